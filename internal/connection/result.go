package connection

// ConnectStatus is the outcome reported to a connect subscriber.
type ConnectStatus int

const (
	// ConnectJust means the link was established for this report.
	ConnectJust ConnectStatus = iota
	// ConnectAlready means the link already existed when the subscriber registered.
	ConnectAlready
	ConnectFailure
)

func (s ConnectStatus) String() string {
	switch s {
	case ConnectJust:
		return "just"
	case ConnectAlready:
		return "already"
	default:
		return "failure"
	}
}

type ConnectResult struct {
	Status ConnectStatus
	Err    error
}

// DisconnectStatus is the outcome reported to a disconnect subscriber.
type DisconnectStatus int

const (
	DisconnectJust DisconnectStatus = iota
	DisconnectAlready
	// DisconnectStillConnected means other subscribers keep the link up.
	DisconnectStillConnected
	DisconnectFailure
)

func (s DisconnectStatus) String() string {
	switch s {
	case DisconnectJust:
		return "just"
	case DisconnectAlready:
		return "already"
	case DisconnectStillConnected:
		return "still_connected"
	default:
		return "failure"
	}
}

// DisconnectResult carries the radio's reason, if any, for a dropped link.
type DisconnectResult struct {
	Status DisconnectStatus
	Err    error
}

// Handler receives the three kinds of service traffic. Calls arrive on the
// subscription's executor.
type Handler interface {
	// Request fires every time the service becomes ready on a link.
	Request(link *Link)
	// Response carries a notification or read result.
	Response(characteristic string, data []byte)
	// Failure is terminal: the subscription is gone once it is called.
	Failure(err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	OnRequest  func(*Link)
	OnResponse func(characteristic string, data []byte)
	OnFailure  func(error)
}

func (h HandlerFuncs) Request(link *Link) {
	if h.OnRequest != nil {
		h.OnRequest(link)
	}
}

func (h HandlerFuncs) Response(characteristic string, data []byte) {
	if h.OnResponse != nil {
		h.OnResponse(characteristic, data)
	}
}

func (h HandlerFuncs) Failure(err error) {
	if h.OnFailure != nil {
		h.OnFailure(err)
	}
}
