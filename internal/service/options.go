package service

import "time"

type options struct {
	now            func() time.Time
	validateSender bool
}

type Option func(*options)

// WithClock replaces the wall clock used for joined_at, left_at and created_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSenderValidation makes Send reject senders without an active membership.
func WithSenderValidation(on bool) Option {
	return func(o *options) { o.validateSender = on }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// clock is UTC with microsecond precision so every supported database
// returns exactly the value that was written.
func (o options) clock() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}
