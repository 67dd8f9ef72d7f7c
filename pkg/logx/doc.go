// Package logx is jobloop's structured logger: a thin layer over zerolog.
//
// Loggers obtained from a Service follow its sinks across Apply calls, so a
// config reload can change level or outputs without rebuilding components.
// Console output is human readable unless JSON is set; file output is
// always JSON and rotates by size.
package logx
