package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries the state shared by all subcommands
type app struct {
	v        *viper.Viper
	cfgFile  string
	logLevel string
	cfg      Config

	stdout io.Writer
	stderr io.Writer
	logger *log.Logger
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{v: newViper(), stdout: stdout, stderr: stderr}
}

// NewRootCmd creates the top-level "leafnet" command with global flags and
// all subcommands registered
func NewRootCmd() *cobra.Command {
	return newRootCmd(newApp(os.Stdout, os.Stderr))
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "leafnet",
		Short: "Fine-tune a ResNet on Plant Pathology leaf images",
		Long: `leafnet trains a ResNet classifier on the Plant Pathology images
(healthy, multiple_diseases, rust, scab) with early stopping on the
validation loss, scores test images and keeps a history of its runs.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./.leafnet.yaml or $HOME/.leafnet.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newTrainCmd(a))
	root.AddCommand(newFoldsCmd(a))
	root.AddCommand(newPredictCmd(a))
	root.AddCommand(newHistoryCmd(a))
	root.AddCommand(newVersionCmd(a))
	return root
}

// load reads the configuration and sets up logging before any subcommand
func (a *app) load(cmd *cobra.Command, _ []string) error {
	a.logger = log.NewWithOptions(a.stderr, log.Options{ReportTimestamp: true})
	log.SetDefault(a.logger)
	if cmd.Name() == "version" {
		return nil
	}

	if err := bindFlags(a.v, cmd); err != nil {
		return err
	}
	if err := readConfig(a.v, a.cfgFile); err != nil {
		return err
	}
	if a.logLevel != "" {
		a.v.Set("log_level", a.logLevel)
	}
	cfg, err := decodeConfig(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.logger.SetLevel(level)
	if used := a.v.ConfigFileUsed(); used != "" {
		a.logger.Debug("Loaded config", "file", used)
	}
	return nil
}

// progress is where progress bars go, nil when disabled
func (a *app) progress() io.Writer {
	if !a.cfg.Output.Progress {
		return nil
	}
	return a.stderr
}

// flagKeys maps the flags of each subcommand onto config keys
var flagKeys = map[string]map[string]string{
	"folds": {
		"input":     "data.raw_csv",
		"output":    "data.train_csv",
		"num-folds": "data.num_folds",
	},
	"train": {
		"fold":       "data.fold",
		"epochs":     "train.epochs",
		"fp16":       "train.fp16",
		"optimizer":  "train.optimizer",
		"pretrained": "model.pretrained",
	},
	"predict": {
		"model":  "output.model_path",
		"input":  "data.test_csv",
		"output": "output.submission",
	},
}

// bindFlags binds the flags of cmd so a flag given on the command line
// overrides the config file and environment
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for flag, key := range flagKeys[cmd.Name()] {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("can't bind --%s to %s: %w", flag, key, err)
		}
	}
	return nil
}
