package domain

import (
	"time"
)

// EntityKind partitions window state by what the key identifies.
type EntityKind string

const (
	EntityAccount EntityKind = "account"
	EntityDevice  EntityKind = "device"
	EntityIP      EntityKind = "ip"
)

// EntityKey addresses one entity's window state.
type EntityKey struct {
	Kind EntityKind
	ID   string
}

// AccountKey returns the window key for an account.
func AccountKey(id string) EntityKey { return EntityKey{Kind: EntityAccount, ID: id} }

// DeviceKey returns the window key for a device.
func DeviceKey(id string) EntityKey { return EntityKey{Kind: EntityDevice, ID: id} }

// IPKey returns the window key for an IP address.
func IPKey(addr string) EntityKey { return EntityKey{Kind: EntityIP, ID: addr} }

// Metric names one windowed series per entity.
type Metric string

const (
	// MetricOutgoing tracks transactions sent by an account. The
	// observation value is the amount, the label the recipient account.
	MetricOutgoing Metric = "outgoing"

	// MetricIncoming tracks transactions received by an account.
	MetricIncoming Metric = "incoming"

	// MetricDevices tracks device usage per account; label is the device id.
	MetricDevices Metric = "devices"

	// MetricIPs tracks source IPs per account; label is the address.
	MetricIPs Metric = "ips"

	// MetricTypes tracks transaction types per account; label is the type.
	MetricTypes Metric = "types"

	// MetricSource tracks transactions originated from a device or IP.
	MetricSource Metric = "source"
)

// Aggregator answers windowed "how many / how much" queries used by
// pattern and threshold rules, and records new observations. Queries are
// inclusive of the window's lower bound. An entity with no observations
// yields zero, never an error.
type Aggregator interface {
	// Observe records one data point. Label carries the dimension used
	// by distinct and uniformity queries (recipient, device, type, ...).
	Observe(key EntityKey, metric Metric, ts time.Time, value float64, label string) error

	// Count returns the number of observations within [now-window, now].
	Count(key EntityKey, metric Metric, window time.Duration) int

	// Sum returns the value total within the window.
	Sum(key EntityKey, metric Metric, window time.Duration) float64

	// Distinct returns the number of distinct labels within the window.
	Distinct(key EntityKey, metric Metric, window time.Duration) int

	// AllShare reports whether every observation in the window carries
	// the given label. Vacuously true for an empty window.
	AllShare(key EntityKey, metric Metric, window time.Duration, label string) bool
}
