// Package logging builds the slog logger shared by the dcps commands.
package logging
