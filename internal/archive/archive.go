// Package archive ships application JSONL logs to S3 cold storage. Completed
// log days are sliced by (hour, level) into gzip parts, uploaded under a
// date-partitioned key layout, indexed with a per-date manifest and verified
// with a spot check before the hot files age out of local retention.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxPartLines bounds one archive part. Larger slices split into multiple
// parts so a single corrupt object never costs more than this many lines.
const maxPartLines = 5000

const dateFormat = "2006-01-02"

// hotLogRE matches the daily log files cmd/server writes into the log
// directory: <name>-YYYY-MM-DD.jsonl.
var hotLogRE = regexp.MustCompile(`-(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Uploader is the blob store surface the archiver needs. The S3
// implementation lives in s3.go; tests substitute an in-memory one.
type Uploader interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Part describes one uploaded archive object.
type Part struct {
	Key       string `json:"key"`
	Hour      string `json:"hour"`
	Level     string `json:"level"`
	Lines     int    `json:"lines"`
	SizeBytes int    `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Manifest indexes every part uploaded for one log date.
type Manifest struct {
	Date        string `json:"date"`
	GeneratedAt string `json:"generated_at"`
	TotalLines  int    `json:"total_lines"`
	Parts       []Part `json:"parts"`
}

// Config tunes an Archiver.
type Config struct {
	LogDir        string
	Prefix        string
	RetentionDays int
}

// Archiver slices and uploads completed log days. It is driven by the
// scheduler's daily job and by the archive subcommand.
type Archiver struct {
	uploader  Uploader
	logDir    string
	prefix    string
	retention int
	logger    *zap.Logger
}

// New returns an Archiver. RetentionDays below 1 defaults to 7.
func New(uploader Uploader, cfg Config, logger *zap.Logger) *Archiver {
	retention := cfg.RetentionDays
	if retention < 1 {
		retention = 7
	}
	return &Archiver{
		uploader:  uploader,
		logDir:    cfg.LogDir,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		retention: retention,
		logger:    logger.Named("archiver"),
	}
}

// Run archives every completed log date found in the log directory and then
// deletes hot files older than the retention window. A date is completed when
// it is strictly before today (UTC); the current day keeps accumulating.
func (a *Archiver) Run(ctx context.Context) error {
	byDate, err := a.scanHotFiles()
	if err != nil {
		return err
	}

	today := time.Now().UTC().Format(dateFormat)
	cutoff := time.Now().UTC().AddDate(0, 0, -a.retention)

	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		if date < today {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)

	for _, date := range dates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		manifest, err := a.archiveDate(ctx, date, byDate[date])
		if err != nil {
			return fmt.Errorf("archive: date %s: %w", date, err)
		}
		a.logger.Info("log date archived",
			zap.String("date", date),
			zap.Int("parts", len(manifest.Parts)),
			zap.Int("lines", manifest.TotalLines))

		day, perr := time.Parse(dateFormat, date)
		if perr == nil && day.Before(cutoff) {
			for _, file := range byDate[date] {
				if rmErr := os.Remove(file); rmErr != nil {
					a.logger.Warn("hot log removal failed", zap.String("file", file), zap.Error(rmErr))
				}
			}
		}
	}
	return nil
}

// scanHotFiles groups the daily log files in the log directory by date.
func (a *Archiver) scanHotFiles() (map[string][]string, error) {
	entries, err := os.ReadDir(a.logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: read log dir: %w", err)
	}

	byDate := make(map[string][]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := hotLogRE.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		date := match[1]
		byDate[date] = append(byDate[date], filepath.Join(a.logDir, entry.Name()))
	}
	return byDate, nil
}

// logLine is the subset of a zap JSONL record the slicer inspects.
type logLine struct {
	Timestamp string `json:"ts"`
	Level     string `json:"level"`
}

// sliceKey partitions lines within one date.
type sliceKey struct {
	hour  string
	level string
}

// archiveDate slices the date's lines by (hour, level), uploads gzip parts of
// at most maxPartLines lines each, writes the per-date manifest and verifies
// one randomly chosen part by re-downloading it.
func (a *Archiver) archiveDate(ctx context.Context, date string, files []string) (*Manifest, error) {
	slices := make(map[sliceKey][]string)
	total := 0
	sort.Strings(files)
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		for _, line := range strings.Split(string(raw), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			key := classifyLine(line)
			slices[key] = append(slices[key], line)
			total++
		}
	}

	keys := make([]sliceKey, 0, len(slices))
	for key := range slices {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].hour != keys[j].hour {
			return keys[i].hour < keys[j].hour
		}
		return keys[i].level < keys[j].level
	})

	manifest := &Manifest{
		Date:        date,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		TotalLines:  total,
	}
	for _, key := range keys {
		lines := slices[key]
		for offset, part := 0, 0; offset < len(lines); offset, part = offset+maxPartLines, part+1 {
			end := offset + maxPartLines
			if end > len(lines) {
				end = len(lines)
			}
			uploaded, err := a.uploadPart(ctx, date, key, part, lines[offset:end])
			if err != nil {
				return nil, err
			}
			manifest.Parts = append(manifest.Parts, *uploaded)
		}
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	manifestKey := a.key(date, "manifest.json")
	if err := a.uploader.Put(ctx, manifestKey, manifestBytes, "application/json"); err != nil {
		return nil, fmt.Errorf("upload manifest: %w", err)
	}

	if err := a.spotVerify(ctx, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (a *Archiver) uploadPart(ctx context.Context, date string, key sliceKey, part int, lines []string) (*Part, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, line := range lines {
		if _, err := gz.Write([]byte(line + "\n")); err != nil {
			return nil, fmt.Errorf("compress part: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress part: %w", err)
	}

	body := buf.Bytes()
	digest := sha256.Sum256(body)
	objectKey := a.key(date,
		fmt.Sprintf("hour=%s/level=%s/part-%04d.jsonl.gz", key.hour, key.level, part))

	if err := a.uploader.Put(ctx, objectKey, body, "application/gzip"); err != nil {
		return nil, fmt.Errorf("upload %s: %w", objectKey, err)
	}
	return &Part{
		Key:       objectKey,
		Hour:      key.hour,
		Level:     key.level,
		Lines:     len(lines),
		SizeBytes: len(body),
		SHA256:    hex.EncodeToString(digest[:]),
	}, nil
}

// spotVerify re-downloads one random part and compares its digest against the
// manifest entry, catching silent upload corruption early.
func (a *Archiver) spotVerify(ctx context.Context, manifest *Manifest) error {
	if len(manifest.Parts) == 0 {
		return nil
	}
	part := manifest.Parts[rand.Intn(len(manifest.Parts))]
	body, err := a.uploader.Get(ctx, part.Key)
	if err != nil {
		return fmt.Errorf("spot verify %s: %w", part.Key, err)
	}
	digest := sha256.Sum256(body)
	if got := hex.EncodeToString(digest[:]); got != part.SHA256 {
		return fmt.Errorf("spot verify %s: digest mismatch, stored %s, manifest %s", part.Key, got, part.SHA256)
	}
	a.logger.Debug("spot verification passed", zap.String("key", part.Key))
	return nil
}

func (a *Archiver) key(date, suffix string) string {
	if a.prefix == "" {
		return fmt.Sprintf("dt=%s/%s", date, suffix)
	}
	return fmt.Sprintf("%s/dt=%s/%s", a.prefix, date, suffix)
}

// classifyLine extracts the (hour, level) slice for one JSONL record. Lines
// that do not parse land in the "raw" level under hour 00 so nothing is
// dropped.
func classifyLine(line string) sliceKey {
	var record logLine
	if err := json.Unmarshal([]byte(line), &record); err != nil || record.Timestamp == "" {
		return sliceKey{hour: "00", level: "raw"}
	}
	level := strings.ToLower(record.Level)
	if level == "" {
		level = "raw"
	}
	ts, err := time.Parse(time.RFC3339Nano, record.Timestamp)
	if err != nil {
		return sliceKey{hour: "00", level: level}
	}
	return sliceKey{hour: ts.UTC().Format("15"), level: level}
}
