// Package efficiency runs DC converter efficiency sweeps: a supply feeds
// the converter, a meter reads its output voltage and an electronic load
// steps through output currents. Each step yields input and output power,
// and the result is saved as CSV.
package efficiency
