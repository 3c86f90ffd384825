// Package vmi is the architecture and driver independent core of the
// introspection engine.
//
// vmi implements:
// * the Architecture and Driver contracts backends are written against
// * sessions, which own a driver and the per-VCPU memory views
// * states and contexts, used to translate and access guest memory
// * the prober, a non-faulting residency test
//
package vmi
