// Package command turns short text verbs into facade calls. It backs the
// dcps one-shot commands and the interactive console, and journals every
// verb it runs.
//
// Each verb runs under the dispatcher timeout. Failures keep their adapter
// error code, which is what the journal and the console print.
package command
