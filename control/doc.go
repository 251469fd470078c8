// Package control
// Author: momentics <momentics@gmail.com>
//
// Operational surface of hioload-tpc: the metrics registry reactors report
// into and the TOML configuration file loader used by the bundled tools.
package control
