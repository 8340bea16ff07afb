// Package model holds the records of the cluster-wide view: process,
// application and address statuses, their deployment rules, and the pure
// derivation functions that keep them consistent. The Context owns every
// instance; other components read.
package model
