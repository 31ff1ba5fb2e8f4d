package dcmnet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAssociations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcmnet_associations_total",
		Help: "Associations handled by the provider, by outcome.",
	}, []string{"outcome"}) // accepted, rejected

	metricDimseMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcmnet_dimse_messages_total",
		Help: "Inbound DIMSE requests handled by the provider, by verb.",
	}, []string{"verb"})

	metricStoredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcmnet_cstore_received_bytes_total",
		Help: "Dataset bytes received via C-STORE.",
	})
)
