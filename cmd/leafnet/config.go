package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/tsawler/leafnet/models"
	"github.com/tsawler/leafnet/training"
)

const (
	configFileName = ".leafnet"
	configFileType = "yaml"
	envPrefix      = "LEAFNET"
)

// Config is the full experiment configuration. Every key can be set in
// .leafnet.yaml, as LEAFNET_<SECTION>_<KEY> or, for the common ones, by flag.
type Config struct {
	LogLevel      string              `mapstructure:"log_level"`
	Data          DataConfig          `mapstructure:"data"`
	Model         ModelConfig         `mapstructure:"model"`
	Train         TrainConfig         `mapstructure:"train"`
	Scheduler     ScheduleConfig      `mapstructure:"scheduler"`
	Augment       AugmentConfig       `mapstructure:"augment"`
	EarlyStopping EarlyStoppingConfig `mapstructure:"early_stopping"`
	Output        OutputConfig        `mapstructure:"output"`
}

type DataConfig struct {
	RawCSV   string `mapstructure:"raw_csv"`   // labels without folds, input of `folds`
	TrainCSV string `mapstructure:"train_csv"` // labels with kfold ids
	TestCSV  string `mapstructure:"test_csv"`
	ImageDir string `mapstructure:"image_dir"`
	ImageExt string `mapstructure:"image_ext"`
	Fold     int    `mapstructure:"fold"` // validation fold
	NumFolds int    `mapstructure:"num_folds"`
}

type ModelConfig struct {
	Depth      int    `mapstructure:"depth"`
	Width      int    `mapstructure:"width"`
	NumClass   int    `mapstructure:"num_class"`
	Pretrained string `mapstructure:"pretrained"`
	Loss       string `mapstructure:"loss"`
}

type TrainConfig struct {
	Epochs         int     `mapstructure:"epochs"`
	TrainBatchSize int     `mapstructure:"train_batch_size"`
	ValidBatchSize int     `mapstructure:"valid_batch_size"`
	Optimizer      string  `mapstructure:"optimizer"` // adam or sgd
	LearningRate   float64 `mapstructure:"lr"`
	Momentum       float64 `mapstructure:"momentum"` // sgd only
	FP16           bool    `mapstructure:"fp16"`
	Device         string  `mapstructure:"device"`
	Workers        int     `mapstructure:"workers"`
	Seed           int64   `mapstructure:"seed"`
	CacheSize      int     `mapstructure:"cache_size"`
}

type ScheduleConfig struct {
	Name      string  `mapstructure:"name"`
	T0        int     `mapstructure:"t0"`
	TMult     int     `mapstructure:"t_mult"`
	EtaMin    float64 `mapstructure:"eta_min"`
	StepSize  int     `mapstructure:"step_size"`
	Gamma     float64 `mapstructure:"gamma"`
	TMax      int     `mapstructure:"t_max"`
	Factor    float64 `mapstructure:"factor"`
	Patience  int     `mapstructure:"patience"`
	Threshold float64 `mapstructure:"threshold"`
}

type AugmentConfig struct {
	Resize int     `mapstructure:"resize"`
	Crop   int     `mapstructure:"crop"`
	HFlip  float64 `mapstructure:"hflip"` // train split only
	VFlip  float64 `mapstructure:"vflip"` // train split only
}

type EarlyStoppingConfig struct {
	Patience int     `mapstructure:"patience"`
	Delta    float64 `mapstructure:"delta"`
	Mode     string  `mapstructure:"mode"`
}

type OutputConfig struct {
	ModelPath      string `mapstructure:"model_path"`
	CheckpointDir  string `mapstructure:"checkpoint_dir"` // empty disables periodic checkpoints
	MaxCheckpoints int    `mapstructure:"max_checkpoints"`
	HistoryDB      string `mapstructure:"history_db"` // empty disables run history
	Submission     string `mapstructure:"submission"`
	Progress       bool   `mapstructure:"progress"`
}

// defaults reproduce the reference Plant Pathology experiment
var defaults = map[string]any{
	"log_level": "info",

	"data.raw_csv":   "input/train.csv",
	"data.train_csv": "input/train_folds.csv",
	"data.test_csv":  "input/test.csv",
	"data.image_dir": "input/images",
	"data.image_ext": ".jpg",
	"data.fold":      0,
	"data.num_folds": 5,

	"model.depth":      18,
	"model.width":      64,
	"model.num_class":  4,
	"model.pretrained": "",
	"model.loss":       "bce",

	"train.epochs":           10,
	"train.train_batch_size": 8,
	"train.valid_batch_size": 8,
	"train.optimizer":        "adam",
	"train.lr":               1e-4,
	"train.momentum":         0.9,
	"train.fp16":             true,
	"train.device":           "cpu",
	"train.workers":          0,
	"train.seed":             42,
	"train.cache_size":       1000,

	"scheduler.name":      "cosine_warm_restarts",
	"scheduler.t0":        10,
	"scheduler.t_mult":    1,
	"scheduler.eta_min":   1e-6,
	"scheduler.step_size": 10,
	"scheduler.gamma":     0.1,
	"scheduler.t_max":     10,
	"scheduler.factor":    0.5,
	"scheduler.patience":  2,
	"scheduler.threshold": 1e-4,

	"augment.resize": 256,
	"augment.crop":   224,
	"augment.hflip":  0.0,
	"augment.vflip":  0.0,

	"early_stopping.patience": 5,
	"early_stopping.delta":    0.001,
	"early_stopping.mode":     "min",

	"output.model_path":      "model.bin",
	"output.checkpoint_dir":  "",
	"output.max_checkpoints": 3,
	"output.history_db":      "leafnet.db",
	"output.submission":      "submission.csv",
	"output.progress":        true,
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// readConfig loads cfgFile into v, or .leafnet.yaml from the working or
// home directory. A missing default file is not an error.
func readConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("can't read config: %w", err)
	}
	return nil
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.Data.NumFolds < 2:
		return fmt.Errorf("data.num_folds must be at least 2, got %d", c.Data.NumFolds)
	case c.Data.Fold < 0 || c.Data.Fold >= c.Data.NumFolds:
		return fmt.Errorf("data.fold %d outside [0, %d)", c.Data.Fold, c.Data.NumFolds)
	case c.Augment.Resize <= 0:
		return fmt.Errorf("augment.resize must be positive, got %d", c.Augment.Resize)
	case c.Augment.Crop > c.Augment.Resize:
		return fmt.Errorf("augment.crop %d is larger than augment.resize %d", c.Augment.Crop, c.Augment.Resize)
	case c.Train.Epochs <= 0:
		return fmt.Errorf("train.epochs must be positive, got %d", c.Train.Epochs)
	case c.Model.NumClass <= 0:
		return fmt.Errorf("model.num_class must be positive, got %d", c.Model.NumClass)
	case c.Train.Optimizer != "adam" && c.Train.Optimizer != "sgd":
		return fmt.Errorf("train.optimizer must be adam or sgd, got %q", c.Train.Optimizer)
	}
	return nil
}

// plantConfig maps the model and optimisation settings onto the model
func (c Config) plantConfig() models.PlantConfig {
	return models.PlantConfig{
		NumClass:     c.Model.NumClass,
		Depth:        c.Model.Depth,
		Width:        c.Model.Width,
		Pretrained:   c.Model.Pretrained,
		Loss:         c.Model.Loss,
		Optimizer:    c.Train.Optimizer,
		LearningRate: c.Train.LearningRate,
		Momentum:     c.Train.Momentum,
		Scheduler:    c.Scheduler.Name,
		SchedulerCfg: training.SchedulerConfig{
			StepSize:  c.Scheduler.StepSize,
			Gamma:     c.Scheduler.Gamma,
			TMax:      c.Scheduler.TMax,
			T0:        c.Scheduler.T0,
			TMult:     c.Scheduler.TMult,
			EtaMin:    c.Scheduler.EtaMin,
			Factor:    c.Scheduler.Factor,
			Patience:  c.Scheduler.Patience,
			Threshold: c.Scheduler.Threshold,
		},
	}
}
