package imgload

import (
	"encoding"
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mitrofmep/imgload/pkg/rlog"
)

type Config struct {
	BuildInfo BuildInfo

	ServerPort int
	Dir        string

	MemoryCacheSize MiB

	DiskCache       bool
	DiskCacheMaxAge time.Duration

	DownloadTimeout      time.Duration
	DownloadWorkersCount int
	MaxImageDimension    int

	// Debug options

	LogLevel rlog.Level
}

type BuildInfo struct {
	ShortGitHash string
	CommitTime   string
}

type MiB int

func (mb MiB) Bytes() int64 {
	return int64(mb << 20)
}

func (mb MiB) MarshalText() (text []byte, err error) {
	if mb >= 1024 && mb%1024 == 0 {
		return []byte(strconv.Itoa(int(mb/1024)) + "Gi"), nil
	}
	return []byte(strconv.Itoa(int(mb)) + "Mi"), nil
}

func (mb MiB) String() string {
	text, _ := mb.MarshalText()
	return string(text)
}

func (mb *MiB) UnmarshalText(data []byte) error {
	text := string(data)

	mul := 1
	switch {
	case strings.HasSuffix(text, "Mi"):
	case strings.HasSuffix(text, "Gi"):
		mul = 1024
	default:
		return fmt.Errorf("valid suffixes: Mi, Gi")
	}
	n, err := strconv.Atoi(text[:len(text)-2])
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}

	*mb = MiB(n * mul)
	return nil
}

type flagParams struct {
	// p is a pointer to a value.
	p            any
	defaultValue any
	desc         string
}

func (cfg *Config) getFlagParams() map[string]flagParams {
	return map[string]flagParams{
		"port": {
			p: &cfg.ServerPort, defaultValue: 8080, desc: "Server port",
		},
		"dir": {
			p: &cfg.Dir, defaultValue: "./var", desc: "Directory for app data (disk cache and etc.)",
		},
		//
		"memory-cache-size": {
			p: &cfg.MemoryCacheSize, defaultValue: MiB(100), desc: "Max total size of decoded images kept in memory",
		},
		"disk-cache": {
			p: &cfg.DiskCache, defaultValue: true, desc: "Enable or disable the persistent image cache",
		},
		"disk-cache-max-age": {
			p: &cfg.DiskCacheMaxAge, defaultValue: 30 * 24 * time.Hour, desc: "Max age of images in the persistent cache",
		},
		//
		"download-timeout": {
			p: &cfg.DownloadTimeout, defaultValue: 2 * time.Minute, desc: "Timeout of a single image download",
		},
		"download-workers-count": {
			p: &cfg.DownloadWorkersCount, defaultValue: 2 * runtime.NumCPU(), desc: "Number of concurrent image downloads",
		},
		"max-image-dimension": {
			p: &cfg.MaxImageDimension, defaultValue: 2048, desc: "" +
				"Max width/height of a decoded image. Larger images are downscaled\n" +
				"when a request asks for it",
		},
		//
		"log-level": {
			p: &cfg.LogLevel, defaultValue: rlog.LevelInfo, desc: "Set the minimal log level. One of: debug, info, warn, error",
		},
	}
}

func ParseConfig() (Config, error) {
	cfg := Config{
		BuildInfo: readBuildInfo(),
	}

	var printVersion bool
	flag.BoolVar(&printVersion, "version", false, "Print version and exit")

	flags := cfg.getFlagParams()
	for name, params := range flags {
		switch p := params.p.(type) {
		case *bool:
			flag.BoolVar(p, name, params.defaultValue.(bool), params.desc)
		case *int:
			flag.IntVar(p, name, params.defaultValue.(int), params.desc)
		case *string:
			flag.StringVar(p, name, params.defaultValue.(string), params.desc)
		case *time.Duration:
			flag.DurationVar(p, name, params.defaultValue.(time.Duration), params.desc)
		case encoding.TextUnmarshaler:
			flag.TextVar(p, name, params.defaultValue.(encoding.TextMarshaler), params.desc)
		default:
			return Config{}, fmt.Errorf("flag %q has unsupported type: %T", name, p)
		}
	}

	flag.Parse()

	if printVersion {
		cfg.BuildInfo.Print()
		os.Exit(0)
	}

	if cfg.ServerPort == 0 {
		return cfg, errors.New("server port must be > 0")
	}
	if cfg.Dir == "" {
		return cfg, errors.New("dir can't be empty")
	}
	if cfg.DownloadWorkersCount <= 0 {
		return cfg, errors.New("download workers count must be > 0")
	}

	return cfg, nil
}

func readBuildInfo() BuildInfo {
	res := BuildInfo{
		ShortGitHash: "unknown",
		CommitTime:   "unknown",
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return res
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			res.ShortGitHash = s.Value
			if len(res.ShortGitHash) > 7 {
				res.ShortGitHash = res.ShortGitHash[:7]
			}

		case "vcs.time":
			t, err := time.Parse(time.RFC3339, s.Value)
			if err == nil {
				res.CommitTime = t.UTC().Format("2006-01-02 15:04:05 UTC")
			}
		}
	}
	return res
}

func (info BuildInfo) Print() {
	fmt.Fprintf(os.Stderr, `
    imgload

    Commit Hash: %q
    Commit Time: %q

    GitHub Repo: https://github.com/mitrofmep/imgload

`,
		info.ShortGitHash,
		info.CommitTime,
	)
}

func (cfg Config) Print() {
	flags := cfg.getFlagParams()

	var (
		names         = make([]string, 0, len(flags))
		maxNameLength int
	)
	for name := range flags {
		if len(name) > maxNameLength {
			maxNameLength = len(name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprint(os.Stderr, "    Config:\n\n")
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "        --%-*s = %v\n", maxNameLength, name, reflect.ValueOf(flags[name].p).Elem())
	}
	fmt.Fprint(os.Stderr, "\n")
}
