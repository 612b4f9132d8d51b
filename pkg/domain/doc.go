// Package domain defines the reconciliation data model for polis-certd.
//
// The types here carry no infrastructure dependencies. Probes produce them,
// the renderer and reconciler consume them, and nothing in this package
// touches the filesystem, the network or external processes:
//
//	config -> Spec -> probe -> State -> render / reconcile
//
// A State is rebuilt from disk and network on every tick and discarded at the
// end of it. Only the rendered proxy configuration file survives between ticks.
package domain
