package ytdlp

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/cwygoda/snatcher/internal/domain"
)

// Prefix marks the JSON progress lines we ask the tool to emit via
// --progress-template. Everything else on stdout is best-effort noise.
const Prefix = "SNJSON:"

// UpdateStatus classifies a recognized progress line.
type UpdateStatus string

const (
	StatusDownloading UpdateStatus = "downloading"
	StatusPreDownload UpdateStatus = "pre_download"
	StatusEndOfVideo  UpdateStatus = "end_of_video"
	StatusError       UpdateStatus = "error"
)

// Update is the structured result of parsing one output line.
type Update struct {
	Status   UpdateStatus
	Progress domain.Progress
	Message  string // error detail for StatusError
}

// templatePayload mirrors the fields of the progress template. The tool
// substitutes the literal NA for unknown values, so everything numeric
// arrives as json.Number or null after normalization.
type templatePayload struct {
	Type               string      `json:"type"`
	ETA                json.Number `json:"eta"`
	DownloadedBytes    json.Number `json:"downloaded_bytes"`
	TotalBytes         json.Number `json:"total_bytes"`
	TotalBytesEstimate json.Number `json:"total_bytes_estimate"`
	Speed              json.Number `json:"speed"`
}

var naToken = regexp.MustCompile(`\bNA\b`)

// Matches classic plain-text progress lines such as
// "[download]  42.1% of ~10.50MiB at 1.00MiB/s ETA 00:12".
var legacyProgress = regexp.MustCompile(
	`\[download\]\s+(\d+(?:\.\d+)?)%\s+of\s+~?\s*([\d.]+)(KiB|MiB|GiB|B)\b(?:\s+at\s+([\d.]+)(KiB|MiB|GiB|B)/s)?(?:\s+ETA\s+(\d+):(\d+)(?::(\d+))?)?`)

// Parse consumes one line of raw process output and returns a structured
// update, or nil when the line carries no recognizable progress
// information. It never fails: the wrapped tool's output format is not a
// stable contract, so malformed lines are dropped.
func Parse(line string) *Update {
	// Error lines first: the runner prefixes stderr lines with "stderr:".
	if msg, ok := strings.CutPrefix(line, "stderr:ERROR: "); ok {
		return &Update{Status: StatusError, Message: strings.TrimSpace(msg)}
	}
	if msg, ok := strings.CutPrefix(line, "ERROR: "); ok {
		return &Update{Status: StatusError, Message: strings.TrimSpace(msg)}
	}

	if idx := strings.Index(line, Prefix); idx >= 0 {
		return parseStructured(line[idx+len(Prefix):])
	}
	return parseLegacy(line)
}

func parseStructured(part string) *Update {
	part = naToken.ReplaceAllString(strings.TrimSpace(part), "null")
	var p templatePayload
	if err := json.Unmarshal([]byte(part), &p); err != nil {
		return nil
	}
	switch p.Type {
	case "downloading":
		pr := domain.Progress{ETA: -1}
		pr.Downloaded = asInt64(p.DownloadedBytes)
		pr.Total = asInt64(p.TotalBytes)
		if pr.Total == 0 {
			pr.Total = asInt64(p.TotalBytesEstimate)
		}
		pr.Rate = asFloat(p.Speed)
		if v, ok := asIntOK(p.ETA); ok {
			pr.ETA = v
		}
		if pr.Total > 0 {
			pr.Percent = float64(pr.Downloaded) / float64(pr.Total) * 100
		}
		return &Update{Status: StatusDownloading, Progress: pr}
	case "pre_download":
		return &Update{Status: StatusPreDownload}
	case "end_of_video", "end_of_playlist":
		return &Update{Status: StatusEndOfVideo}
	default:
		return nil
	}
}

func parseLegacy(line string) *Update {
	m := legacyProgress.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	pr := domain.Progress{Percent: pct, ETA: -1}
	if size, err := strconv.ParseFloat(m[2], 64); err == nil {
		pr.Total = int64(size * unitBytes(m[3]))
		pr.Downloaded = int64(float64(pr.Total) * pct / 100)
	}
	if m[4] != "" {
		if rate, err := strconv.ParseFloat(m[4], 64); err == nil {
			pr.Rate = rate * unitBytes(m[5])
		}
	}
	if m[6] != "" {
		h, mn, sec := 0, atoi(m[6]), atoi(m[7])
		if m[8] != "" {
			h, mn, sec = atoi(m[6]), atoi(m[7]), atoi(m[8])
		}
		pr.ETA = h*3600 + mn*60 + sec
	}
	return &Update{Status: StatusDownloading, Progress: pr}
}

func unitBytes(unit string) float64 {
	switch unit {
	case "KiB":
		return 1 << 10
	case "MiB":
		return 1 << 20
	case "GiB":
		return 1 << 30
	default:
		return 1
	}
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func asInt64(n json.Number) int64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return int64(f)
}

func asFloat(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

func asIntOK(n json.Number) (int, bool) {
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return int(f), true
}
