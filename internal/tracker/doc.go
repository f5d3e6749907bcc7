// Package tracker follows the lifecycle of producer connections: activity
// upserts, explicit closes, and periodic retirement of connections that
// stopped reporting. Origin counts are recomputed in full on every change
// and persisted together with the connection map.
package tracker
