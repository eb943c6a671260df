package symbolizer

import (
	"fmt"
	"path/filepath"
)

// Unknown stands in for a function or file that could not be resolved.
const Unknown = "??"

// FormatFrame formats a frame for display as "function (file:line)".
func FormatFrame(f Frame) string {
	fn := f.Function
	if fn == "" {
		fn = Unknown
	}
	if pos := FormatPosition(f, false); pos != Unknown+":0" {
		return fmt.Sprintf("%s (%s)", fn, pos)
	}
	return fn
}

// FormatPosition formats a frame's source position as "file:line", or
// "??:0" when nothing is known. With basename set only the last path
// element of the file is shown.
func FormatPosition(f Frame, basename bool) string {
	file := f.File
	if file == "" {
		file = Unknown
	} else if basename {
		file = filepath.Base(file)
	}
	if f.Line == 0 {
		if file == Unknown {
			return Unknown + ":0"
		}
		return file + ":" + Unknown
	}
	if f.Discriminator != 0 {
		return fmt.Sprintf("%s:%d (discriminator %d)", file, f.Line, f.Discriminator)
	}
	return fmt.Sprintf("%s:%d", file, f.Line)
}
