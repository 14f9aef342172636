package main

import (
	"fmt"
	"strconv"
	"time"
)

// CommonFlags are accepted by every command
type CommonFlags struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string
	Help       bool
}

// IngestFlags represents flags for the ingest command
type IngestFlags struct {
	CommonFlags
	Market      string
	Granularity string
	Start       string
	Until       string
}

// AnalyzeFlags represents flags for the analyze command
type AnalyzeFlags struct {
	CommonFlags
	Key         string
	Market      string
	MinDuration string
	Workers     int
}

// KeysFlags represents flags for the keys command
type KeysFlags struct {
	CommonFlags
	Market string
}

// ConfigFlags represents flags for the config command
type ConfigFlags struct {
	CommonFlags
	Save bool
}

// argValue returns args[i+1] or an error naming the flag.
func argValue(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", fmt.Errorf("%s requires a value", args[i])
	}
	return args[i+1], nil
}

// parseCommon handles the flags shared by every command. It reports whether
// args[i] was consumed and how many extra arguments it used.
func parseCommon(flags *CommonFlags, args []string, i int) (bool, int, error) {
	switch args[i] {
	case "--config", "-c":
		v, err := argValue(args, i)
		if err != nil {
			return true, 0, err
		}
		flags.ConfigPath = v
		return true, 1, nil
	case "--env-file":
		v, err := argValue(args, i)
		if err != nil {
			return true, 0, err
		}
		flags.EnvFile = v
		return true, 1, nil
	case "--loglevel", "-l":
		v, err := argValue(args, i)
		if err != nil {
			return true, 0, err
		}
		switch v {
		case "debug", "info", "warn", "warning", "error", "critical":
		default:
			return true, 0, fmt.Errorf("invalid log level %q: use debug, info, warning, error or critical", v)
		}
		flags.LogLevel = v
		return true, 1, nil
	case "--help", "-h":
		flags.Help = true
		return true, 0, nil
	}
	return false, 0, nil
}

// parseIngestFlags parses command line arguments for the ingest command
func parseIngestFlags(args []string) (*IngestFlags, error) {
	flags := &IngestFlags{}

	for i := 0; i < len(args); i++ {
		ok, skip, err := parseCommon(&flags.CommonFlags, args, i)
		if err != nil {
			return nil, err
		}
		if ok {
			i += skip
			continue
		}

		var target *string
		switch args[i] {
		case "--market", "-m":
			target = &flags.Market
		case "--granularity", "-g":
			target = &flags.Granularity
		case "--start", "-s":
			target = &flags.Start
		case "--until", "-u":
			target = &flags.Until
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		v, err := argValue(args, i)
		if err != nil {
			return nil, err
		}
		*target = v
		i++
	}

	return flags, nil
}

// parseAnalyzeFlags parses command line arguments for the analyze command
func parseAnalyzeFlags(args []string) (*AnalyzeFlags, error) {
	flags := &AnalyzeFlags{Workers: -1}

	for i := 0; i < len(args); i++ {
		ok, skip, err := parseCommon(&flags.CommonFlags, args, i)
		if err != nil {
			return nil, err
		}
		if ok {
			i += skip
			continue
		}

		switch args[i] {
		case "--key", "-k":
			v, err := argValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Key = v
			i++
		case "--market", "-m":
			v, err := argValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Market = v
			i++
		case "--min-duration", "-d":
			v, err := argValue(args, i)
			if err != nil {
				return nil, err
			}
			if _, err := time.ParseDuration(v); err != nil {
				return nil, fmt.Errorf("invalid min duration: %w", err)
			}
			flags.MinDuration = v
			i++
		case "--workers", "-w":
			v, err := argValue(args, i)
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid workers value: %w", err)
			}
			if n < 0 {
				return nil, fmt.Errorf("workers must not be negative, got %d", n)
			}
			flags.Workers = n
			i++
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseKeysFlags parses command line arguments for the keys command
func parseKeysFlags(args []string) (*KeysFlags, error) {
	flags := &KeysFlags{}

	for i := 0; i < len(args); i++ {
		ok, skip, err := parseCommon(&flags.CommonFlags, args, i)
		if err != nil {
			return nil, err
		}
		if ok {
			i += skip
			continue
		}

		switch args[i] {
		case "--market", "-m":
			v, err := argValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Market = v
			i++
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseConfigFlags parses command line arguments for the config command
func parseConfigFlags(args []string) (*ConfigFlags, error) {
	flags := &ConfigFlags{}

	for i := 0; i < len(args); i++ {
		ok, skip, err := parseCommon(&flags.CommonFlags, args, i)
		if err != nil {
			return nil, err
		}
		if ok {
			i += skip
			continue
		}
		if args[i] != "--save" {
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		flags.Save = true
	}

	return flags, nil
}

// parseTime accepts RFC 3339 or a plain YYYY-MM-DD date, both read as UTC.
func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, use YYYY-MM-DD or RFC 3339", value)
	}
	return t, nil
}
