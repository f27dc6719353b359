// Package ffmpegcmd composes FFmpeg argv slices. It is a pure, side-effect
// free collaborator: building command lines is explicitly out of this
// server's core scope, so this package only assembles tokens the way the
// original's tools/ffmpeg.py did with shlex.Split, never executes anything.
package ffmpegcmd

import (
	"fmt"
	"strings"
)

// Options holds the pieces of an FFmpeg invocation a caller assembles from
// configuration.
type Options struct {
	Bin        string // defaults to "ffmpeg"
	ProbeSize  string // e.g. "32", empty to omit -probesize
	InputOpts  string // shell-style flags placed before -i, e.g. "-rtsp_transport tcp"
	Input      string
	OutputOpts string // shell-style flags placed before the output target
	Output     string
}

// Build assembles a single-input, single-output FFmpeg command line.
func Build(o Options) []string {
	bin := o.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	args := []string{bin}
	args = append(args, splitShell(o.InputOpts)...)
	if o.ProbeSize != "" {
		args = append(args, "-probesize", o.ProbeSize)
	}
	args = append(args, "-i", o.Input)
	args = append(args, splitShell(o.OutputOpts)...)
	args = append(args, o.Output)
	return args
}

// ExtraOutput is one additional output target appended after the primary
// one, each with its own flags, used for the thumbnail side-channel a
// republish command multiplexes into.
type ExtraOutput struct {
	Opts   string
	Target string
}

// BuildMultiOutput assembles a single-input, multi-output command line: the
// primary output plus any number of extra outputs sharing the input.
func BuildMultiOutput(o Options, extra []ExtraOutput) []string {
	args := Build(o)
	for _, e := range extra {
		args = append(args, splitShell(e.Opts)...)
		args = append(args, e.Target)
	}
	return args
}

// splitShell is a minimal shlex-alike: splits on whitespace, honoring
// single and double quoted segments. FFmpeg option strings in configuration
// never need shell expansion or escapes beyond quoting, so this is
// deliberately simpler than a full shell tokenizer.
func splitShell(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var tokens []string
	var cur strings.Builder
	var quote rune
	inToken := false
	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	flush()
	return tokens
}

// Scale formats a `scale=-1:{h}`-style resize filter for one configured
// thumbnail size, substituting "{0}" in the template the way the original's
// resize_opt configuration key does.
func Scale(template, value string) string {
	return strings.ReplaceAll(template, "{0}", value)
}

// ValidateInput rejects empty input targets early, since an empty -i value
// would otherwise make exec.Command hang reading stdin the way the original
// explicitly guarded against in _input_cmd.
func ValidateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("ffmpegcmd: empty input target")
	}
	return nil
}
