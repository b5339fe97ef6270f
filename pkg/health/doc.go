// Package health watches the engine cluster's health and refines the
// engine's three-color report with a fourth state for clusters that are
// yellow only because shards are still moving.
package health
