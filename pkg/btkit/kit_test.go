package btkit_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	suitelib "github.com/stretchr/testify/suite"

	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ledger"
	"github.com/rinat-enikeev/BTKit-sub000/internal/connection"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio/radiotest"
	"github.com/rinat-enikeev/BTKit-sub000/internal/scanner"
	"github.com/rinat-enikeev/BTKit-sub000/internal/store"
	"github.com/rinat-enikeev/BTKit-sub000/pkg/btkit"
	"github.com/rinat-enikeev/BTKit-sub000/pkg/config"
)

const (
	sensorID = "aa:bb:cc:dd:ee:01"
	walletID = "aa:bb:cc:dd:ee:02"
	waitFor  = time.Second
	tick     = 5 * time.Millisecond
)

type collector[T any] struct {
	mu  sync.Mutex
	got []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.got = append(c.got, v)
	c.mu.Unlock()
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.got...)
}

type KitTestSuite struct {
	suitelib.Suite

	fake  *radiotest.Fake
	store *store.Store
	cfg   *config.Config
	kit   *btkit.Kit
}

func TestKitTestSuite(t *testing.T) {
	suitelib.Run(t, new(KitTestSuite))
}

func (suite *KitTestSuite) SetupTest() {
	suite.fake = radiotest.New(radiotest.Profile{
		Services: map[string][]radio.Characteristic{
			connection.UART.UUID: {
				{UUID: connection.UART.Write, Properties: radio.PropWrite},
				{UUID: connection.UART.Notify, Properties: radio.PropNotify},
			},
			connection.Ledger.UUID: {
				{UUID: connection.Ledger.Write, Properties: radio.PropWrite},
				{UUID: connection.Ledger.Notify, Properties: radio.PropNotify},
			},
		},
		RSSI: -51,
	})

	var err error
	suite.store, err = store.Open(filepath.Join(suite.T().TempDir(), "peripherals.yaml"))
	suite.Require().NoError(err)

	suite.cfg = config.DefaultConfig()
	suite.cfg.Connection.TickInterval = 10 * time.Millisecond
	suite.cfg.Ledger.MTU = 20
	suite.cfg.Scanner.DemoCount = 0

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	suite.kit = btkit.New(suite.fake, btkit.Options{Config: suite.cfg, Logger: logger, Store: suite.store})
}

func (suite *KitTestSuite) TearDownTest() {
	suite.kit.Close()
}

func (suite *KitTestSuite) TestSharedManagerWithoutBackgroundAdapter() {
	suite.Same(suite.kit.Foreground(), suite.kit.Background())
	suite.Equal(connection.DefaultCatalog(), suite.kit.Catalog())
	suite.Equal(20, suite.kit.Framer().MTU)
}

func (suite *KitTestSuite) TestSeparateBackgroundManager() {
	bg := radiotest.New(radiotest.Profile{})
	kit := btkit.New(suite.fake, btkit.Options{Config: suite.cfg, Background: bg})
	defer kit.Close()
	suite.NotSame(kit.Foreground(), kit.Background())

	connected := &collector[connection.ConnectResult]{}
	token := kit.Connect(sensorID, connected.add, nil, nil)
	defer token.Invalidate()

	suite.Eventually(func() bool { return connected.len() == 1 }, waitFor, tick)
	suite.Equal(1, bg.Count("Connect"), "background links MUST use the background adapter")
	suite.Zero(suite.fake.Count("Connect"))
	suite.True(kit.IsConnected(sensorID))
}

func (suite *KitTestSuite) TestDemoScanUsesConfiguredCount() {
	suite.cfg.Scanner.DemoCount = 2
	devices := &collector[device.Device]{}
	token := suite.kit.Scan(devices.add)
	defer token.Invalidate()

	suite.Eventually(func() bool { return devices.len() >= 2 }, 3*time.Second, tick)
	ids := map[string]bool{}
	for _, d := range devices.all() {
		ids[d.ID()] = true
	}
	suite.True(ids[scanner.DemoID(0)])
	suite.True(ids[scanner.DemoID(1)])
	suite.Zero(suite.fake.Count("Scan"), "demo mode MUST NOT touch the radio")
}

func (suite *KitTestSuite) TestCallerOptionsOverrideDefaults() {
	suite.cfg.Connection.ConnectTimeout = time.Hour
	suite.fake.ConnectMode = radiotest.ConnectHangs

	connected := &collector[connection.ConnectResult]{}
	token := suite.kit.Connect(sensorID, connected.add, nil, nil, options.WithConnectionTimeout(30*time.Millisecond))
	defer token.Invalidate()

	suite.Eventually(func() bool { return connected.len() == 1 }, waitFor, tick)
	suite.ErrorIs(connected.all()[0].Err, device.ErrConnectionTimedOut)
}

func (suite *KitTestSuite) TestRememberAndReconnect() {
	suite.Require().NoError(suite.kit.Remember(sensorID, "Kitchen"))
	suite.Require().NoError(suite.kit.Remember(walletID, ""))

	type event struct {
		id     string
		status connection.ConnectStatus
	}
	events := &collector[event]{}
	tokens, err := suite.kit.ReconnectRemembered(btkit.ReconnectHandlers{
		OnConnected: func(id string, r connection.ConnectResult) { events.add(event{id, r.Status}) },
	})
	suite.Require().NoError(err)
	suite.Len(tokens, 2)

	suite.Eventually(func() bool { return events.len() == 2 }, waitFor, tick)
	suite.ElementsMatch([]event{{sensorID, connection.ConnectJust}, {walletID, connection.ConnectJust}}, events.all())

	tokens.Invalidate()
	suite.Eventually(func() bool { return suite.fake.Count("CancelConnect") == 2 }, waitFor, tick)

	removed, err := suite.kit.Forget(walletID)
	suite.Require().NoError(err)
	suite.True(removed)
	suite.Equal([]string{sensorID}, suite.store.UUIDs())
}

func (suite *KitTestSuite) TestNoStore() {
	kit := btkit.New(suite.fake, btkit.Options{Config: suite.cfg})
	defer kit.Close()

	suite.Error(kit.Remember(sensorID, ""))
	_, err := kit.ReconnectRemembered(btkit.ReconnectHandlers{})
	suite.Error(err)
}

func (suite *KitTestSuite) TestAppConfigurationUsesConfiguredMTU() {
	var frames [][]byte
	var mu sync.Mutex
	suite.fake.Profile.OnWrite = func(f *radiotest.Fake, id, svc, char string, data []byte) {
		mu.Lock()
		frames = append(frames, data)
		mu.Unlock()
		resp, _ := ledger.Framer{MTU: 20}.Wrap([]byte{0x00, 1, 9, 17, 0x90, 0x00})
		for _, frame := range resp {
			f.Notify(id, connection.Ledger.UUID, connection.Ledger.Notify, frame)
		}
	}

	var mu2 sync.Mutex
	var got ledger.Configuration
	var gotErr error
	done := make(chan struct{})
	suite.kit.RequestAppConfiguration(walletID, func(c ledger.Configuration, err error) {
		mu2.Lock()
		got, gotErr = c, err
		mu2.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(waitFor):
		suite.FailNow("no result")
	}
	mu2.Lock()
	defer mu2.Unlock()
	suite.Require().NoError(gotErr)
	suite.Equal("1.9.17", got.Version)
	suite.False(got.ArbitraryDataEnabled)

	want, err := ledger.Framer{MTU: 20}.Encode(ledger.ConfigurationRequest())
	suite.Require().NoError(err)
	mu.Lock()
	defer mu.Unlock()
	suite.Equal(want, frames)
}

func (suite *KitTestSuite) TestReadRSSI() {
	token := suite.kit.Connect(sensorID, nil, nil, nil)
	defer token.Invalidate()
	suite.Eventually(func() bool { return suite.kit.IsConnected(sensorID) }, waitFor, tick)

	rssi := make(chan int, 1)
	suite.kit.ReadRSSI(sensorID, func(v int, err error) {
		suite.NoError(err)
		rssi <- v
	})
	select {
	case v := <-rssi:
		suite.Equal(-51, v)
	case <-time.After(waitFor):
		suite.Fail("no RSSI reported")
	}
}

func (suite *KitTestSuite) TestStateStream() {
	states := &collector[radio.State]{}
	token := suite.kit.State(states.add)
	defer token.Invalidate()

	suite.Eventually(func() bool { return states.len() == 1 }, waitFor, tick)
	suite.fake.SetState(radio.StatePoweredOff)
	suite.Eventually(func() bool { return states.len() == 2 }, waitFor, tick)
	suite.Equal([]radio.State{radio.StatePoweredOn, radio.StatePoweredOff}, states.all())
}
