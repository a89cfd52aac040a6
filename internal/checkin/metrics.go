package checkin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// scanOutcomes counts scan attempts by terminal outcome.
var scanOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "qrattend_scans_total",
	Help: "Scan attempts by outcome.",
}, []string{"outcome"})

const (
	outcomeSuccess         = "success"
	outcomeAlreadyRecorded = "already_recorded"
	outcomeTokenNotFound   = "token_not_found"
	outcomeTokenInvalid    = "token_invalid"
	outcomeIneligible      = "ineligible"
	outcomeError           = "error"
)
