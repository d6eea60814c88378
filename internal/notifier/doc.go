// Package notifier groups the outbound notification pipeline.
//
// Subpackage broadcast fans one CI build out to every registered chat
// channel and keeps a bounded history of recent broadcast jobs.
package notifier
