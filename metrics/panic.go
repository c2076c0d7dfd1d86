package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailstore_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

type Panic string

const (
	Store      Panic = "store"
	IMAPEngine Panic = "imapengine"
	Msgtree    Panic = "msgtree"
	Import     Panic = "import"
	Webadmin   Panic = "webadmin"
)

func init() {
	// Make sure the panic counts are initialized to 0, for alerting on increases.
	for _, p := range []Panic{Store, IMAPEngine, Msgtree, Import, Webadmin} {
		metricPanic.WithLabelValues(string(p)).Add(0)
	}
}

// Panics is the number of unhandled panics, tests fail when it is non-zero.
var Panics atomic.Int64

func PanicInc(pkg Panic) {
	Panics.Add(1)
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
