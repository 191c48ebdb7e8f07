package awarding

import (
	"errors"
	"fmt"
	"net/http"

	"accredit/internal/awarding/credentials"
	"accredit/internal/awarding/models"
)

// Class tells the retry policy what to do with a failed delivery.
type Class string

const (
	ClassTransient   Class = "transient"
	ClassPermanent   Class = "permanent"
	ClassRateLimited Class = "rateLimited"
)

// DeliveryError is a failed push of one subject.
type DeliveryError struct {
	Class   Class
	Kind    models.Kind
	Subject string
	Status  int
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery of %s failed (%s): %v", e.Kind, e.Subject, e.Class, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NotFound reports a 404 from the credentials service. It is terminal for
// the subject and never fails the rest of a batch.
func (e *DeliveryError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// classify maps a client error onto the retry classes: 429 is rate
// limited, any other 4xx is permanent, and everything else (5xx, network,
// timeouts, open circuit) is transient.
func classify(kind models.Kind, subject string, err error) *DeliveryError {
	de := &DeliveryError{Class: ClassTransient, Kind: kind, Subject: subject, Err: err}
	var se *credentials.StatusError
	if errors.As(err, &se) {
		de.Status = se.Status
		switch {
		case se.Status == http.StatusTooManyRequests:
			de.Class = ClassRateLimited
		case se.Status >= 400 && se.Status < 500:
			de.Class = ClassPermanent
		}
	}
	return de
}
