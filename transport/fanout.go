package transport

import (
	"errors"

	"github.com/jrhy/mirror"
)

// Fanout sends every message to each of its transports.
type Fanout []mirror.Transport

func (f Fanout) Send(m *mirror.Message) error {
	var errs []error
	for _, t := range f {
		if err := t.Send(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
