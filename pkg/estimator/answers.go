package estimator

import (
	"strconv"
	"strings"
)

// The estimator is an interactive console program: it prompts for each
// parameter and reads the answer from stdin. The dispatcher feeds it a
// pre-built answer script, one answer per line, in the exact prompt
// order of the original protocol. Reordering a line shifts every
// subsequent answer onto the wrong prompt, so this list is the protocol.

// answers returns the stdin lines for one job.
func answers(cfg *Config, inputPath, psdPath string) []string {
	lines := []string{
		inputPath,
		psdPath,
		ffloat(cfg.PixelSize),
		ffloat(cfg.Voltage),
		ffloat(cfg.SphericalAberration),
		ffloat(cfg.AmplitudeContrast),
		strconv.Itoa(cfg.WindowSize),
		ffloat(cfg.ResolutionLow),
		ffloat(cfg.ResolutionHigh),
		ffloat(cfg.DefocusMin),
		ffloat(cfg.DefocusMax),
		ffloat(cfg.DefocusStep),
		"no", // astigmatism is not known up front
		yesno(cfg.SlowSearch),
	}

	lines = append(lines, yesno(cfg.AstigmatismRestrained))
	if cfg.AstigmatismRestrained {
		lines = append(lines, ffloat(cfg.AstigmatismTolerance))
	}

	lines = append(lines, yesno(cfg.PhaseShift.Search))
	if cfg.PhaseShift.Search {
		lines = append(lines,
			ffloat(cfg.PhaseShift.Min),
			ffloat(cfg.PhaseShift.Max),
			ffloat(cfg.PhaseShift.Step),
		)
	}

	lines = append(lines, "no") // no expert options
	return lines
}

// answerScript renders the answers as the byte stream written to the
// subprocess stdin: newline-separated with a trailing newline, so the
// final read does not hang on EOF-without-newline.
func answerScript(cfg *Config, inputPath, psdPath string) string {
	return strings.Join(answers(cfg, inputPath, psdPath), "\n") + "\n"
}

func ffloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func yesno(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
