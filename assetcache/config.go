package assetcache

import (
	"encoding"
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ShoshinNikita/assetcache/pkg/rlog"
)

type Config struct {
	BuildInfo BuildInfo

	ServerPort int
	Dir        string

	Remote RemoteConfig

	MemoryCacheSize  MiB
	MemoryCacheCount int
	DiskCacheSize    MiB
	DiskCacheMaxAge  time.Duration
	StorageFormat    Format

	ValidateRevisions   bool
	PrefetchConcurrency int

	// Debug options

	LogLevel rlog.Level
}

type BuildInfo struct {
	ShortGitHash string
	CommitTime   string
}

type RemoteConfig struct {
	Kind RemoteKind
	// URL is used by the http remote.
	URL string
	S3  S3Config
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

type RemoteKind string

const (
	// HTTPRemote works with any server that returns files on GET requests and
	// sets ETag or Last-Modified headers, for example, "rclone serve http".
	HTTPRemote RemoteKind = "http"
	S3Remote   RemoteKind = "s3"
)

func (k RemoteKind) MarshalText() (text []byte, err error) {
	return []byte(k), nil
}

func (k *RemoteKind) UnmarshalText(text []byte) error {
	*k = RemoteKind(text)

	return checkEnum(*k, HTTPRemote, S3Remote)
}

func checkEnum[T comparable](v T, validValues ...T) error {
	if !slices.Contains(validValues, v) {
		return fmt.Errorf("valid values: %v", validValues)
	}
	return nil
}

type MiB int

func (mb MiB) Bytes() int64 {
	return int64(mb) << 20
}

func (mb MiB) String() string {
	text, _ := mb.MarshalText()
	return string(text)
}

func (mb MiB) MarshalText() (text []byte, err error) {
	if mb >= 1024 && mb%1024 == 0 {
		return []byte(strconv.Itoa(int(mb/1024)) + "Gi"), nil
	}
	return []byte(strconv.Itoa(int(mb)) + "Mi"), nil
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
	secret       bool
}

func (cfg *Config) getFlagParams() map[string]flagParams {
	return map[string]flagParams{
		"port": {
			p: &cfg.ServerPort, defaultValue: 8080, desc: "Server port",
		},
		"dir": {
			p: &cfg.Dir, defaultValue: "./var", desc: "Directory for app data (disk cache)",
		},
		//
		"remote": {
			p: &cfg.Remote.Kind, defaultValue: HTTPRemote, desc: "" +
				"Available remotes:\n" +
				"  - http: any http server that sets ETag or Last-Modified headers\n" +
				"          (for example, rclone serve http)\n" +
				"  - s3: S3-compatible object storage, object ETags are used as revisions\n",
		},
		"remote-url": {
			p: &cfg.Remote.URL, defaultValue: "", desc: "Base url of the http remote, required for --remote=http",
		},
		"s3-endpoint": {
			p: &cfg.Remote.S3.Endpoint, defaultValue: "", desc: "S3 endpoint (host:port), required for --remote=s3",
		},
		"s3-bucket": {
			p: &cfg.Remote.S3.Bucket, defaultValue: "", desc: "S3 bucket, required for --remote=s3",
		},
		"s3-region": {
			p: &cfg.Remote.S3.Region, defaultValue: "", desc: "S3 region, optional",
		},
		"s3-access-key": {
			p: &cfg.Remote.S3.AccessKey, defaultValue: "", desc: "S3 access key", secret: true,
		},
		"s3-secret-key": {
			p: &cfg.Remote.S3.SecretKey, defaultValue: "", desc: "S3 secret key", secret: true,
		},
		"s3-prefix": {
			p: &cfg.Remote.S3.Prefix, defaultValue: "", desc: "Prefix of object keys, optional",
		},
		"s3-use-ssl": {
			p: &cfg.Remote.S3.UseSSL, defaultValue: true, desc: "Use https for S3 requests",
		},
		//
		"memory-cache-size": {
			p: &cfg.MemoryCacheSize, defaultValue: MiB(256), desc: "Max total size of decoded images kept in memory",
		},
		"memory-cache-count": {
			p: &cfg.MemoryCacheCount, defaultValue: 0, desc: "Max number of images kept in memory, 0 means no limit",
		},
		"disk-cache-size": {
			p: &cfg.DiskCacheSize, defaultValue: MiB(1024), desc: "Max total size of cached images on disk",
		},
		"disk-cache-max-age": {
			p: &cfg.DiskCacheMaxAge, defaultValue: time.Duration(0), desc: "Remove cached files not accessed for this long, 0 means no limit",
		},
		"storage-format": {
			p: &cfg.StorageFormat, defaultValue: DefaultLossyFormat, desc: "" +
				"Available storage formats:\n" +
				"  - lossy:<quality>: jpeg with quality in range [0, 1], for example, lossy:0.8\n" +
				"  - lossless: png\n",
		},
		//
		"validate-revisions": {
			p: &cfg.ValidateRevisions, defaultValue: true, desc: "Check remote revisions of cached images once per session",
		},
		"prefetch-concurrency": {
			p: &cfg.PrefetchConcurrency, defaultValue: 4, desc: "Max number of concurrent fetches during prefetch, 0 means no limit",
		},
		//
		"log-level": {
			p: &cfg.LogLevel, defaultValue: rlog.LevelInfo, desc: "Set the minimal log level. One of: debug, info, warn, error",
		},
	}
}

// ParseConfig parses command line arguments.
func ParseConfig() (Config, error) {
	return parseConfig(flag.CommandLine, os.Args[1:])
}

func parseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{
		BuildInfo: readBuildInfo(),
	}

	var printVersion bool
	fs.BoolVar(&printVersion, "version", false, "Print version and exit")

	flags := cfg.getFlagParams()
	for name, params := range flags {
		switch p := params.p.(type) {
		case *bool:
			fs.BoolVar(p, name, params.defaultValue.(bool), params.desc)
		case *int:
			fs.IntVar(p, name, params.defaultValue.(int), params.desc)
		case *int64:
			fs.Int64Var(p, name, params.defaultValue.(int64), params.desc)
		case *string:
			fs.StringVar(p, name, params.defaultValue.(string), params.desc)
		case *time.Duration:
			fs.DurationVar(p, name, params.defaultValue.(time.Duration), params.desc)
		case encoding.TextUnmarshaler:
			fs.TextVar(p, name, params.defaultValue.(encoding.TextMarshaler), params.desc)
		default:
			return Config{}, fmt.Errorf("flag %q has unsupported type: %T", name, p)
		}
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if printVersion {
		cfg.BuildInfo.Print()
		os.Exit(0)
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	if cfg.ServerPort == 0 {
		return errors.New("server port must be > 0")
	}
	if cfg.Dir == "" {
		return errors.New("dir can't be empty")
	}
	switch cfg.Remote.Kind {
	case HTTPRemote:
		if cfg.Remote.URL == "" {
			return errors.New("remote url can't be empty")
		}
	case S3Remote:
		if cfg.Remote.S3.Endpoint == "" {
			return errors.New("s3 endpoint can't be empty")
		}
		if cfg.Remote.S3.Bucket == "" {
			return errors.New("s3 bucket can't be empty")
		}
	}
	if cfg.MemoryCacheCount < 0 {
		return errors.New("memory cache count must be >= 0")
	}
	if cfg.DiskCacheSize <= 0 {
		return errors.New("disk cache size must be > 0")
	}
	if cfg.PrefetchConcurrency < 0 {
		return errors.New("prefetch concurrency must be >= 0")
	}
	return nil
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
    assetcache

    Commit Hash: %q
    Commit Time: %q

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
		var value any = reflect.ValueOf(flags[name].p).Elem()
		if flags[name].secret && !reflect.ValueOf(flags[name].p).Elem().IsZero() {
			value = "***"
		}
		fmt.Fprintf(os.Stderr, "        --%-*s = %v\n", maxNameLength, name, value)
	}
	fmt.Fprint(os.Stderr, "\n")
}
