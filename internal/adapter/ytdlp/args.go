package ytdlp

import (
	"fmt"
	"strings"

	"github.com/cwygoda/snatcher/internal/domain"
)

// progressTemplate makes the tool emit one SNJSON line per progress tick.
// Unknown values arrive as the literal NA and are normalized by Parse.
var progressTemplate = []string{
	"--progress-template",
	Prefix + `{"type":"downloading","eta":%(progress.eta)s,` +
		`"downloaded_bytes":%(progress.downloaded_bytes)s,` +
		`"total_bytes":%(progress.total_bytes)s,` +
		`"total_bytes_estimate":%(progress.total_bytes_estimate)s,` +
		`"speed":%(progress.speed)s}`,
}

var printHooks = []string{
	"--print", Prefix + `{"type": "pre_download"}`,
	"--print", Prefix + `{"type": "end_of_video"}`,
}

// Options are tool-level settings applied to every invocation,
// typically sourced from the config file.
type Options struct {
	Path      string   // tool binary, default "yt-dlp"
	Proxy     string   // global proxy, overridden per spec
	ExtraArgs []string // appended verbatim
}

// BuildArgs derives the deterministic argument list for one download.
// outputPath is the collision-resolved final path; its extension is
// replaced by the tool's ext placeholder so merging stays in control of
// the container format.
func BuildArgs(spec domain.Spec, outputPath string, opts Options) []string {
	template := outputPath
	if ext := "." + spec.Ext(); strings.HasSuffix(outputPath, ext) {
		template = strings.TrimSuffix(outputPath, ext) + ".%(ext)s"
	}

	args := []string{"-o", template, "--continue", "--newline", "--no-quiet"}

	switch spec.Kind {
	case domain.KindAudio:
		args = append(args, "-f", "ba/b", "-x", "--audio-format", spec.Ext())
	default:
		if spec.Quality != "" {
			args = append(args, "-f", fmt.Sprintf("bv*[height<=%s]+ba/b[height<=%s]", spec.Quality, spec.Quality))
		} else {
			args = append(args, "-f", "bv*+ba/b")
		}
		args = append(args, "--merge-output-format", spec.Ext())
	}

	if len(spec.Subtitles) > 0 {
		args = append(args, "--write-subs", "--sub-langs", strings.Join(spec.Subtitles, ","))
	}
	if spec.EmbedMetadata {
		args = append(args, "--embed-metadata")
	}
	if spec.EmbedThumbnail {
		args = append(args, "--embed-thumbnail")
	}
	if spec.RateLimit != "" {
		args = append(args, "--limit-rate", spec.RateLimit)
	}
	if proxy := firstNonEmpty(spec.Proxy, opts.Proxy); proxy != "" {
		args = append(args, "--proxy", proxy)
	}
	if spec.CookiesFromBrowser != "" {
		args = append(args, "--cookies-from-browser", spec.CookiesFromBrowser)
	}

	args = append(args, opts.ExtraArgs...)
	args = append(args, spec.ExtraArgs...)
	args = append(args, printHooks...)
	args = append(args, progressTemplate...)
	args = append(args, spec.URL)
	return args
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
