// Package telemetry wraps OpenTelemetry tracing for the coordination
// components.
//
// Components take a *Tracer through an option. Without one they use Noop(),
// which records nothing, so tracing never has to be configured for tests
// or local runs. InitProvider builds an OTLP/HTTP exporting provider whose
// Tracer method hands out tracers bound to it; nothing is installed as a
// process-wide default.
//
// Span names follow "<component>.<operation>", for example "board.write",
// "mailbox.claim" and "consensus.finalize".
package telemetry
