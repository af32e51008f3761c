// Package validator checks, without side effects, whether a candidate
// environment can host the bridge, and says how to fix what cannot.
package validator
