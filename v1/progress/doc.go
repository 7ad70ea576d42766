// Package progress broadcasts the progress of in-flight work from a single
// producer to any number of subscribers. A Hub keeps one lifecycle per key:
// intermediate records fan out without blocking the producer, the terminal
// record reaches every subscriber and is retained for a grace window so late
// subscribers still observe it. A Relay mirrors records to other processes.
package progress
