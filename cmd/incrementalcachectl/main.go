//Command incrementalcachectl inspects and revalidates an incremental cache
// directory out-of-band. It operates on the same tags manifest file the
// serving processes use, demonstrating the cross-process merge protocol.
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/timodwhit/incrementalcache"
	"github.com/timodwhit/incrementalcache/manifest"
)

//Config is the structure for the configuration file
type Config struct {

	//CacheDir is the deploy-stable cache directory holding the fetch
	// artifacts and the tags manifest
	CacheDir string `mapstructure:"cache_dir"`

	//LogLevel is the logrus level name used for diagnostic output
	LogLevel string `mapstructure:"log_level"`
}

func init() {
	viper.SetDefault("cache_dir", ".cache")
	viper.SetDefault("log_level", "warning")
}

var config Config

func main() {
	args, err := initConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error while reading config: %s\n", err.Error())
		os.Exit(1)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error while unmarshalling config: %s\n", err.Error())
		os.Exit(1)
	}

	if err := run(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given, expected 'show-manifest' or 'revalidate'")
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return fmt.Errorf("unknown log level %q: %w", config.LogLevel, err)
	}
	logger.SetLevel(level)

	cacheDir, err := filepath.Abs(config.CacheDir)
	if err != nil {
		return err
	}

	store := manifest.NewStore(osfs.New("/"), incrementalcache.ManifestPath(cacheDir), logger)
	store.LoadSync()

	switch args[0] {
	case "show-manifest":
		return showManifest(store, out)

	case "revalidate":
		tags := args[1:]
		if len(tags) == 0 {
			return fmt.Errorf("revalidate needs at least one tag")
		}

		store.RecordRevalidation(tags, time.Now())
		fmt.Fprintf(out, "Revalidated %d tag(s)\n", len(tags))
		return nil
	}

	return fmt.Errorf("unknown command %q", args[0])
}

func showManifest(store *manifest.Store, out io.Writer) error {
	tags := store.Tags()
	if len(tags) == 0 {
		fmt.Fprintln(out, "Manifest is empty")
		return nil
	}

	for _, tag := range tags {
		at, _ := store.RevalidatedAt(tag)
		fmt.Fprintf(out, "%s\t%s\n", tag, time.UnixMilli(at).Format(time.RFC3339))
	}

	return nil
}

func initConfig() ([]string, error) {
	flagSet := pflag.NewFlagSet("incrementalcachectl", pflag.ContinueOnError)

	flagSet.String("config", "", "The path to an optional yaml config file")
	flagSet.String("cache-dir", "", "The cache directory, overrides the config file")

	//Make it so that when the -help, --help or -h flag is given the usage is printed and the program exits
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s: [flags] show-manifest | revalidate <tag>...\n", os.Args[0])
		flagSet.PrintDefaults()
		os.Exit(0)
	}

	err := flagSet.Parse(os.Args[1:])
	if err != nil {
		return nil, err
	}

	configPath, err := flagSet.GetString("config")
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		viper.SetConfigType("yaml")

		configBytes, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		err = viper.ReadConfig(bytes.NewReader(configBytes))
		if err != nil {
			return nil, err
		}
	}

	cacheDir, err := flagSet.GetString("cache-dir")
	if err != nil {
		return nil, err
	}

	if cacheDir != "" {
		viper.Set("cache_dir", cacheDir)
	}

	return flagSet.Args(), nil
}
