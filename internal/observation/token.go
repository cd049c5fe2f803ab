package observation

import "sync"

// Token is the caller's handle to a subscription. Invalidate is idempotent and
// safe from any goroutine; the removal itself happens wherever the issuing
// component serializes its state.
type Token struct {
	once       sync.Once
	invalidate func()
}

// NewToken returns a token running invalidate at most once.
func NewToken(invalidate func()) *Token {
	return &Token{invalidate: invalidate}
}

// Invalidate cancels the subscription. No-op on a nil token.
func (t *Token) Invalidate() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.invalidate != nil {
			t.invalidate()
		}
	})
}

// Tokens invalidates a group of tokens together.
type Tokens []*Token

func (ts Tokens) Invalidate() {
	for _, t := range ts {
		t.Invalidate()
	}
}
