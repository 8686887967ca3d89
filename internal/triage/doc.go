// Package triage is the session triage and correlation engine. It turns a
// stream of captured HTTP transactions, some carrying a free-text scanner
// annotation, into a prioritized triage queue and per-host domain records,
// and reconciles declared annotations against behavioral findings.
//
// Service is the business boundary (async ingest, queries, investigations).
// Engine holds the aggregate state, Dispatcher hands out investigations, and
// Store, DispatchLedger, BehaviorClassifier and Notifier are the seams to
// persistence, shared dispatch state, the behavioral classifier and alerting.
package triage
