//go:build llama

package llamacpp

// rpath $ORIGIN lets the binary find libllama.so next to itself; -L points the
// linker at ./bin when building the llama variant.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../../bin -lllama
*/
import "C"
