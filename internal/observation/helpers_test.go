package observation

import "time"

const (
	timeoutShort = time.Second
	tickShort    = 5 * time.Millisecond
)
