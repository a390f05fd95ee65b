// Package logx is rentwatch's logging layer over zerolog.
//
// Console output is human readable, the optional file is JSON. Warnings
// can also be forwarded to an operator chat; repeats of the same line for
// the same monitor are muted for a while and counted.
package logx
