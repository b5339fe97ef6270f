// Package plugins reconciles the engine's optional plugins against the
// operator's requested set.
//
// Every managed plugin is one row in a Registry table: its install
// name, the engine settings that switch it on, and the keystore entries
// it carries. A reconciliation pass installs, configures, disables and
// removes plugins to match the requests it is handed, and reports
// whether the engine must restart to pick the changes up. The pass
// only runs once the engine is started and cluster health permits
// config changes.
package plugins
