package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes transport engine metrics as a small set of prometheus.Desc values paired
// with suppliers invoked on each Collect.
type Collector struct {
	engine *Engine

	srtt        *prometheus.Desc
	rttvar      *prometheus.Desc
	localLen    *prometheus.Desc
	remoteLen   *prometheus.Desc
	peerAckNum  *prometheus.Desc
}

// NewCollector builds a Collector reporting on the given Engine.
func NewCollector(e *Engine) *Collector {
	return &Collector{
		engine: e,
		srtt: prometheus.NewDesc("wmosh_rtt_srtt_milliseconds",
			"Smoothed round-trip-time estimate.", nil, nil),
		rttvar: prometheus.NewDesc("wmosh_rtt_rttvar_milliseconds",
			"Round-trip-time variance estimate.", nil, nil),
		localLen: prometheus.NewDesc("wmosh_local_queue_entries",
			"Number of retained entries in the local state queue.", nil, nil),
		remoteLen: prometheus.NewDesc("wmosh_remote_queue_entries",
			"Number of retained entries in the remote state queue.", nil, nil),
		peerAckNum: prometheus.NewDesc("wmosh_peer_ack_num",
			"Highest sequence number the peer has acknowledged.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.srtt
	descs <- c.rttvar
	descs <- c.localLen
	descs <- c.remoteLen
	descs <- c.peerAckNum
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	rtt := c.engine.RTT()
	metrics <- prometheus.MustNewConstMetric(c.srtt, prometheus.GaugeValue,
		float64(rtt.SRTT().Milliseconds()))
	metrics <- prometheus.MustNewConstMetric(c.rttvar, prometheus.GaugeValue,
		float64(rtt.RTTVAR().Milliseconds()))
	metrics <- prometheus.MustNewConstMetric(c.localLen, prometheus.GaugeValue,
		float64(c.engine.LocalQueue().Len()))
	metrics <- prometheus.MustNewConstMetric(c.remoteLen, prometheus.GaugeValue,
		float64(c.engine.RemoteQueue().Len()))
	if ack, ok := c.engine.PeerAckNum(); ok {
		metrics <- prometheus.MustNewConstMetric(c.peerAckNum, prometheus.GaugeValue, float64(ack))
	}
}
