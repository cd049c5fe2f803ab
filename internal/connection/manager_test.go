package connection_test

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	suitelib "github.com/stretchr/testify/suite"

	"github.com/rinat-enikeev/BTKit-sub000/internal/connection"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/observation"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio/radiotest"
)

const (
	tagID   = "aa:bb:cc:dd:ee:01"
	otherID = "aa:bb:cc:dd:ee:02"

	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *recorder[T]) at(i int) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[i]
}

// handler records serve traffic and optionally acts on Request.
type handler struct {
	requests  recorder[*connection.Link]
	responses recorder[string]
	failures  recorder[error]
	onRequest func(*connection.Link)
}

func (h *handler) Request(link *connection.Link) {
	h.requests.add(link)
	if h.onRequest != nil {
		h.onRequest(link)
	}
}

func (h *handler) Response(characteristic string, data []byte) {
	h.responses.add(characteristic + "=" + string(data))
}

func (h *handler) Failure(err error) { h.failures.add(err) }

type ManagerTestSuite struct {
	suitelib.Suite

	logger    *logrus.Logger
	fake      *radiotest.Fake
	manager   *connection.Manager
	heartbeat []byte
}

func (suite *ManagerTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.WarnLevel)

	var err error
	suite.heartbeat, err = hex.DecodeString("0512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F")
	suite.Require().NoError(err)

	suite.fake = radiotest.New(radiotest.Profile{
		Services: map[string][]radio.Characteristic{
			connection.UART.UUID: {
				{UUID: connection.UART.Write, Properties: radio.PropWrite},
				{UUID: connection.UART.Notify, Properties: radio.PropNotify},
			},
			connection.DeviceInformation.UUID: {
				{UUID: connection.FirmwareRevision, Properties: radio.PropRead},
			},
		},
		Values: map[string][]byte{
			radiotest.Key(connection.DeviceInformation.UUID, connection.FirmwareRevision): []byte("3.30.1"),
		},
		RSSI: -42,
	})
	suite.manager = suite.newManager(connection.Config{})
}

func (suite *ManagerTestSuite) TearDownTest() {
	suite.manager.Close()
}

func (suite *ManagerTestSuite) newManager(cfg connection.Config) *connection.Manager {
	cfg.Logger = suite.logger
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	return connection.New(suite.fake, cfg)
}

func (suite *ManagerTestSuite) eventually(cond func() bool, msg string) {
	suite.Eventually(cond, waitFor, tick, msg)
}

func (suite *ManagerTestSuite) connect(id string, opts ...options.Option) (*recorder[connection.ConnectResult], *recorder[device.Device], *recorder[connection.DisconnectResult], func()) {
	c := &recorder[connection.ConnectResult]{}
	h := &recorder[device.Device]{}
	d := &recorder[connection.DisconnectResult]{}
	token := suite.manager.Connect(id, c.add, h.add, d.add, opts...)
	return c, h, d, token.Invalidate
}

func (suite *ManagerTestSuite) TestConnectThenAlready() {
	first, _, _, stop := suite.connect(tagID)
	defer stop()
	suite.eventually(func() bool { return first.len() == 1 }, "first subscriber MUST hear about the link")
	suite.Equal(connection.ConnectJust, first.at(0).Status)
	suite.True(suite.manager.IsConnected(tagID))

	second, _, _, stop2 := suite.connect(tagID)
	defer stop2()
	suite.eventually(func() bool { return second.len() == 1 }, "second subscriber MUST be answered")
	suite.Equal(connection.ConnectAlready, second.at(0).Status)
	suite.Equal(1, suite.fake.Count("Connect"), "an established link MUST NOT be dialed again")
}

func (suite *ManagerTestSuite) TestSingleConnectAttemptPerPeripheral() {
	suite.fake.ConnectMode = radiotest.ConnectHangs
	_, _, _, stop1 := suite.connect(tagID)
	_, _, _, stop2 := suite.connect(tagID)
	defer stop1()
	defer stop2()

	suite.False(suite.manager.IsConnected(tagID))
	suite.Equal(1, suite.fake.Count("Connect"))
}

func (suite *ManagerTestSuite) TestDisconnectHeldByOthers() {
	a, hbA, _, stopA := suite.connect(tagID)
	b, hbB, _, stopB := suite.connect(tagID)
	defer stopA()
	defer stopB()
	suite.eventually(func() bool { return a.len() == 1 && b.len() == 1 }, "both subscribers connected")
	suite.eventually(func() bool { return suite.fake.Count("SetNotify") == 1 }, "heartbeat channel enabled")

	res := &recorder[connection.DisconnectResult]{}
	suite.manager.Disconnect(tagID, res.add)
	suite.eventually(func() bool { return res.len() == 1 }, "disconnect MUST be answered")
	suite.Equal(connection.DisconnectStillConnected, res.at(0).Status)
	suite.ErrorIs(res.at(0).Err, device.ErrAlreadyConnectedByOthers)
	suite.True(suite.manager.IsConnected(tagID))
	suite.Zero(suite.fake.Count("CancelConnect"))

	suite.fake.Notify(tagID, connection.UART.UUID, connection.UART.Notify, suite.heartbeat)
	suite.eventually(func() bool { return hbA.len() == 1 && hbB.len() == 1 }, "heartbeats MUST keep flowing")
	tag, ok := hbA.at(0).(*device.SensorTag)
	suite.Require().True(ok)
	suite.Equal(device.H1, tag.Version)
	suite.Equal(tagID, tag.UUID)
}

func (suite *ManagerTestSuite) TestDisconnectLastSubscriber() {
	c, _, _, _ := suite.connect(tagID)
	suite.eventually(func() bool { return c.len() == 1 }, "connected")

	res := &recorder[connection.DisconnectResult]{}
	suite.manager.Disconnect(tagID, res.add)
	suite.eventually(func() bool { return res.len() == 1 }, "disconnect MUST be answered")
	suite.Equal(connection.DisconnectJust, res.at(0).Status)
	suite.Equal(1, suite.fake.Count("CancelConnect"))
	suite.False(suite.manager.IsConnected(tagID))
	suite.Equal(1, suite.fake.Count("Connect"), "a requested disconnect MUST NOT reconnect")
}

func (suite *ManagerTestSuite) TestDisconnectWhenNotConnected() {
	res := &recorder[connection.DisconnectResult]{}
	suite.manager.Disconnect(otherID, res.add)
	suite.eventually(func() bool { return res.len() == 1 }, "disconnect MUST be answered")
	suite.Equal(connection.DisconnectAlready, res.at(0).Status)
}

func (suite *ManagerTestSuite) TestConnectionTimeoutIsPerSubscriber() {
	suite.fake.ConnectMode = radiotest.ConnectHangs
	timed, _, _, stopTimed := suite.connect(tagID, options.WithConnectionTimeout(50*time.Millisecond))
	patient, _, _, stopPatient := suite.connect(tagID)
	defer stopTimed()
	defer stopPatient()

	suite.eventually(func() bool { return timed.len() == 1 }, "timed subscriber MUST time out")
	suite.Equal(connection.ConnectFailure, timed.at(0).Status)
	suite.ErrorIs(timed.at(0).Err, device.ErrConnectionTimedOut)

	time.Sleep(60 * time.Millisecond)
	suite.Equal(1, timed.len(), "timeout MUST be reported once")
	suite.Zero(patient.len(), "other subscribers MUST NOT be affected")
	suite.Zero(suite.fake.Count("CancelConnect"), "the attempt MUST continue for the others")

	suite.fake.Emit(radio.Connected{ID: tagID})
	suite.eventually(func() bool { return patient.len() == 1 }, "patient subscriber MUST connect")
	suite.Equal(1, timed.len(), "timed-out subscriber MUST NOT hear about the late link")
}

func (suite *ManagerTestSuite) TestConnectionTimeoutCancelsUnwantedAttempt() {
	suite.fake.ConnectMode = radiotest.ConnectHangs
	timed, _, _, _ := suite.connect(tagID, options.WithConnectionTimeout(30*time.Millisecond))

	suite.eventually(func() bool { return timed.len() == 1 }, "subscriber MUST time out")
	suite.eventually(func() bool { return suite.fake.Count("CancelConnect") == 1 }, "nobody wants the attempt any more")
}

func (suite *ManagerTestSuite) TestAutoReconnect() {
	c, _, d, stop := suite.connect(tagID)
	defer stop()
	suite.eventually(func() bool { return c.len() == 1 }, "connected")

	linkLoss := errors.New("link supervision timeout")
	suite.fake.Emit(radio.Disconnected{ID: tagID, Err: linkLoss})

	suite.eventually(func() bool { return d.len() == 1 }, "drop MUST be reported")
	suite.Equal(connection.DisconnectJust, d.at(0).Status)
	suite.ErrorIs(d.at(0).Err, linkLoss)
	suite.eventually(func() bool { return c.len() == 2 }, "link MUST come back")
	suite.Equal(2, suite.fake.Count("Connect"))
}

func (suite *ManagerTestSuite) TestReconnectBackoff() {
	suite.manager.Close()
	suite.manager = suite.newManager(connection.Config{
		ReconnectBackoffBase: 60 * time.Millisecond,
		ReconnectBackoffMax:  time.Second,
	})

	c, _, _, stop := suite.connect(tagID)
	defer stop()
	suite.eventually(func() bool { return c.len() == 1 }, "connected")

	suite.fake.Emit(radio.Disconnected{ID: tagID, Err: errors.New("out of range")})
	time.Sleep(20 * time.Millisecond)
	suite.Equal(1, suite.fake.Count("Connect"), "reconnect MUST wait for the backoff")
	suite.eventually(func() bool { return c.len() == 2 }, "link MUST come back after the backoff")
}

func (suite *ManagerTestSuite) TestFailedToConnectIsNotRetried() {
	suite.fake.ConnectMode = radiotest.ConnectFails
	suite.fake.ConnectErr = errors.New("peer removed pairing information")
	c, _, _, stop := suite.connect(tagID)
	defer stop()

	suite.eventually(func() bool { return c.len() == 1 }, "failure MUST be reported")
	suite.Equal(connection.ConnectFailure, c.at(0).Status)
	suite.ErrorIs(c.at(0).Err, device.ErrConnectFailed)
	suite.ErrorIs(c.at(0).Err, suite.fake.ConnectErr)

	time.Sleep(30 * time.Millisecond)
	suite.Equal(1, suite.fake.Count("Connect"))
}

func (suite *ManagerTestSuite) TestPowerOffAndRestore() {
	c, _, d, stop := suite.connect(tagID)
	defer stop()
	suite.eventually(func() bool { return c.len() == 1 }, "connected")

	suite.fake.SetState(radio.StatePoweredOff)
	suite.eventually(func() bool { return d.len() == 1 }, "power-off MUST reach disconnect subscribers")
	suite.Equal(connection.DisconnectFailure, d.at(0).Status)
	suite.ErrorIs(d.at(0).Err, device.ErrBluetoothWasPoweredOff)
	suite.False(suite.manager.IsConnected(tagID))
	suite.Equal(1, suite.fake.Count("Connect"), "nothing is dialed while powered off")

	suite.fake.SetState(radio.StatePoweredOn)
	suite.eventually(func() bool { return c.len() == 2 }, "wanted link MUST be re-established")
	suite.Equal(2, suite.fake.Count("Connect"))
}

func (suite *ManagerTestSuite) TestStateRestoration() {
	suite.fake.Auto = false
	c, _, _, stop := suite.connect(tagID)
	defer stop()
	suite.eventually(func() bool { return suite.fake.Count("Connect") == 1 }, "attempt issued")

	suite.fake.Emit(radio.WillRestoreState{Peripherals: []radio.RestoredPeripheral{
		{ID: tagID, Lifecycle: radio.LifecycleConnected},
		{ID: otherID, Lifecycle: radio.LifecycleConnected},
	}})
	suite.eventually(func() bool { return c.len() == 1 }, "restored link MUST be announced")
	suite.Equal(connection.ConnectJust, c.at(0).Status)
	suite.True(suite.manager.IsConnected(tagID))

	cancels := suite.fake.CallsOf("CancelConnect")
	suite.Require().Len(cancels, 1, "unwanted restored links MUST be released")
	suite.Equal(otherID, cancels[0].ID)
}

func (suite *ManagerTestSuite) TestInvalidateReleasesLink() {
	c, _, d, stop := suite.connect(tagID)
	suite.eventually(func() bool { return c.len() == 1 }, "connected")

	stop()
	stop()
	suite.eventually(func() bool { return suite.fake.Count("CancelConnect") == 1 }, "last subscriber leaving MUST drop the link")
	suite.eventually(func() bool { return !suite.manager.IsConnected(tagID) }, "link down")
	suite.Zero(d.len(), "an invalidated subscriber MUST NOT hear about the drop")
}

func (suite *ManagerTestSuite) TestReleasedOwnerDropsLink() {
	owner := observation.NewLifetime()
	c, _, d, stop := suite.connect(tagID, options.WithOwner(owner))
	defer stop()
	suite.eventually(func() bool { return c.len() == 1 }, "connected")

	owner.Release()
	suite.eventually(func() bool { return suite.fake.Count("CancelConnect") == 1 }, "a dead owner MUST let the link go")
	suite.eventually(func() bool { return !suite.manager.IsConnected(tagID) }, "link down")

	time.Sleep(30 * time.Millisecond)
	suite.Equal(1, suite.fake.Count("Connect"), "a dead owner's link MUST NOT be re-dialed")
	suite.Zero(d.len(), "a dead owner MUST NOT hear about the drop")
}

func (suite *ManagerTestSuite) TestReleasedOwnerIsNotReconnected() {
	suite.manager.Close()
	suite.manager = suite.newManager(connection.Config{TickInterval: time.Hour})

	owner := observation.NewLifetime()
	c, _, _, stop := suite.connect(tagID, options.WithOwner(owner))
	defer stop()
	suite.eventually(func() bool { return c.len() == 1 }, "connected")

	owner.Release()
	suite.fake.Emit(radio.Disconnected{ID: tagID, Err: errors.New("out of range")})
	suite.eventually(func() bool { return !suite.manager.IsConnected(tagID) }, "link down")

	time.Sleep(30 * time.Millisecond)
	suite.Equal(1, suite.fake.Count("Connect"), "a drop MUST NOT be recovered for a dead owner")
	suite.Equal(1, c.len())
}

func (suite *ManagerTestSuite) TestCancelledContextDropsLink() {
	ctx, cancel := context.WithCancel(context.Background())
	mine, _, _, stopMine := suite.connect(tagID, options.WithContext(ctx))
	defer stopMine()
	suite.eventually(func() bool { return mine.len() == 1 }, "connected")

	other, _, _, stopOther := suite.connect(otherID)
	defer stopOther()
	suite.eventually(func() bool { return other.len() == 1 }, "other connected")

	cancel()
	suite.eventually(func() bool { return !suite.manager.IsConnected(tagID) }, "cancelled context MUST release its link")
	suite.True(suite.manager.IsConnected(otherID), "links of live owners MUST stay up")
	cancels := suite.fake.CallsOf("CancelConnect")
	suite.Require().Len(cancels, 1)
	suite.Equal(tagID, cancels[0].ID)
}

func (suite *ManagerTestSuite) TestScansForUnretrievablePeripheral() {
	suite.fake.Retrievable = func(string) bool { return false }
	c, _, _, stop := suite.connect(tagID)
	defer stop()

	suite.eventually(func() bool { return suite.fake.Count("Scan") == 1 }, "manager MUST look for the peripheral")
	suite.Zero(suite.fake.Count("Connect"))
	suite.Empty(suite.fake.CallsOf("Scan")[0].Services, "tags advertise manufacturer data only, the scan MUST NOT filter by service")

	suite.fake.Retrievable = nil
	suite.fake.Emit(radio.PeripheralDiscovered{ID: tagID})
	suite.eventually(func() bool { return c.len() == 1 }, "discovered peripheral MUST be connected")
	suite.eventually(func() bool { return suite.fake.Count("StopScan") == 1 }, "scan MUST stop once connected")
}

func (suite *ManagerTestSuite) TestServeGATTReadsFirmware() {
	c, _, _, stop := suite.connect(tagID)
	defer stop()

	h := &handler{onRequest: func(l *connection.Link) { l.Read(connection.FirmwareRevision) }}
	token := suite.manager.ServeGATT(tagID, h)
	defer token.Invalidate()

	suite.eventually(func() bool { return c.len() == 1 && h.responses.len() == 1 }, "firmware MUST be read")
	suite.Equal(connection.FirmwareRevision+"=3.30.1", h.responses.at(0))
	suite.Equal(1, h.requests.len())
	suite.Zero(h.failures.len())
}

func (suite *ManagerTestSuite) TestServeOnReadyServiceFiresImmediately() {
	_, _, _, stop := suite.connect(tagID)
	defer stop()

	first := &handler{}
	t1 := suite.manager.ServeUART(tagID, first)
	defer t1.Invalidate()
	suite.eventually(func() bool { return first.requests.len() == 1 }, "first request after service ready")

	second := &handler{}
	t2 := suite.manager.ServeUART(tagID, second)
	defer t2.Invalidate()
	suite.eventually(func() bool { return second.requests.len() == 1 }, "ready service MUST dispatch right away")
	suite.Equal(1, suite.fake.Count("SetNotify"), "a ready service MUST NOT be prepared twice")
}

func (suite *ManagerTestSuite) TestServeRequestRearmedOnReconnect() {
	_, _, _, stop := suite.connect(tagID)
	defer stop()

	h := &handler{}
	token := suite.manager.ServeUART(tagID, h)
	defer token.Invalidate()
	suite.eventually(func() bool { return h.requests.len() == 1 }, "first request")

	suite.fake.Emit(radio.Disconnected{ID: tagID, Err: errors.New("out of range")})
	suite.eventually(func() bool { return h.requests.len() == 2 }, "request MUST fire again on the new link")
	suite.Equal(2, suite.fake.Count("SetNotify"))
}

func (suite *ManagerTestSuite) TestServeParkedWhileLinkIsDown() {
	_, _, _, stop := suite.connect(tagID)
	defer stop()

	h := &handler{}
	token := suite.manager.ServeUART(tagID, h, options.WithServiceTimeout(80*time.Millisecond))
	defer token.Invalidate()
	suite.eventually(func() bool { return h.requests.len() == 1 }, "first request")
	suite.fake.Notify(tagID, connection.UART.UUID, connection.UART.Notify, []byte("row"))
	suite.eventually(func() bool { return h.responses.len() == 1 }, "response on the live link")

	suite.fake.SetAuto(false)
	suite.fake.Emit(radio.Disconnected{ID: tagID, Err: errors.New("out of range")})
	suite.eventually(func() bool { return suite.fake.Count("Connect") == 2 }, "reconnect issued")

	suite.fake.Notify(tagID, connection.UART.UUID, connection.UART.Notify, []byte("stale"))
	time.Sleep(200 * time.Millisecond)
	suite.Equal(1, h.responses.len(), "frames MUST NOT reach a service that is not ready again")
	suite.Zero(h.failures.len(), "the service timer MUST NOT run while the link is down")
	suite.Equal(1, h.requests.len())
}

func (suite *ManagerTestSuite) TestServiceResponsesAndHeartbeatPriority() {
	_, hb, _, stop := suite.connect(tagID)
	defer stop()

	h := &handler{onRequest: func(l *connection.Link) { l.Write([]byte{0x3A, 0x3A, 0x11}) }}
	suite.fake.Profile.OnWrite = func(f *radiotest.Fake, id, service, char string, data []byte) {
		f.Notify(id, connection.UART.UUID, connection.UART.Notify, []byte("row"))
	}
	token := suite.manager.ServeUART(tagID, h)
	defer token.Invalidate()

	suite.eventually(func() bool { return h.responses.len() == 1 }, "response MUST be routed")
	suite.Equal(connection.UART.Notify+"=row", h.responses.at(0))
	writes := suite.fake.CallsOf("Write")
	suite.Require().Len(writes, 1)
	suite.Equal(connection.UART.Write, writes[0].Characteristic)

	suite.fake.Notify(tagID, connection.UART.UUID, connection.UART.Notify, suite.heartbeat)
	suite.eventually(func() bool { return hb.len() == 1 }, "heartbeat MUST be recognized")
	time.Sleep(20 * time.Millisecond)
	suite.Equal(1, h.responses.len(), "heartbeat frames MUST NOT reach the service handler")
}

func (suite *ManagerTestSuite) TestServiceTimeout() {
	_, _, _, stop := suite.connect(tagID)
	defer stop()

	h := &handler{}
	token := suite.manager.ServeUART(tagID, h, options.WithServiceTimeout(40*time.Millisecond))
	defer token.Invalidate()

	suite.eventually(func() bool { return h.failures.len() == 1 }, "idle service MUST time out")
	suite.ErrorIs(h.failures.at(0), device.ErrServiceTimedOut)
	time.Sleep(60 * time.Millisecond)
	suite.Equal(1, h.failures.len(), "failure is terminal")
}

func (suite *ManagerTestSuite) TestFinishSuppressesServiceTimeout() {
	_, _, _, stop := suite.connect(tagID)
	defer stop()

	h := &handler{onRequest: func(l *connection.Link) { l.Finish() }}
	token := suite.manager.ServeUART(tagID, h, options.WithServiceTimeout(30*time.Millisecond))
	defer token.Invalidate()

	suite.eventually(func() bool { return h.requests.len() == 1 }, "request")
	time.Sleep(100 * time.Millisecond)
	suite.Zero(h.failures.len(), "a finished exchange MUST NOT time out")
}

func (suite *ManagerTestSuite) TestMissingServiceFails() {
	_, _, _, stop := suite.connect(tagID)
	defer stop()

	h := &handler{}
	token := suite.manager.ServeLedger(tagID, h)
	defer token.Invalidate()

	suite.eventually(func() bool { return h.failures.len() == 1 }, "absent service MUST fail the subscriber")
	suite.ErrorIs(h.failures.at(0), device.ErrCharacteristicIsNil)
	suite.Zero(h.requests.len())
}

func (suite *ManagerTestSuite) TestReadRSSI() {
	type reading struct {
		rssi int
		err  error
	}
	got := &recorder[reading]{}
	suite.manager.ReadRSSI(tagID, func(rssi int, err error) { got.add(reading{rssi, err}) })
	suite.eventually(func() bool { return got.len() == 1 }, "not connected MUST be reported")
	suite.ErrorIs(got.at(0).err, device.ErrNotConnected)

	c, _, _, stop := suite.connect(tagID)
	defer stop()
	suite.eventually(func() bool { return c.len() == 1 }, "connected")

	suite.manager.ReadRSSI(tagID, func(rssi int, err error) { got.add(reading{rssi, err}) })
	suite.eventually(func() bool { return got.len() == 2 }, "rssi MUST be delivered")
	suite.NoError(got.at(1).err)
	suite.Equal(-42, got.at(1).rssi)
}

func (suite *ManagerTestSuite) TestInvalidPeripheralID() {
	c, _, _, _ := suite.connect("not a peripheral")
	suite.eventually(func() bool { return c.len() == 1 }, "bad id MUST be reported")
	suite.Equal(connection.ConnectFailure, c.at(0).Status)
	suite.Zero(suite.fake.Count("Connect"))
}

func TestManagerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ManagerTestSuite))
}
