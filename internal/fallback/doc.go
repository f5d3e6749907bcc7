// Package fallback arranges the storage tiers into a chain that degrades
// gracefully: writes land on every reachable tier, reads prefer the primary
// and fall back to a merged secondary+volatile view when it is down.
package fallback
