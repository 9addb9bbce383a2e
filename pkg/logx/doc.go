// Package logx is a thin structured logging layer over zerolog.
//
// It exists so components can hold a stable Logger value while the
// underlying sinks (console, file, push) are swapped at runtime via
// Service.Apply.
package logx
