// Package config holds the plugin options (the host's per-plugin
// configuration surface) and loads them from an optional file.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gookit/validate"
	"github.com/spf13/viper"

	"mew/jrys/pkg/runtime"
)

const (
	DefaultFontName           = "千图马克手写体.ttf"
	DefaultAvatarURLTemplate  = "http://q.qlogo.cn/g?b=qq&nk={user_id}&s=640"
	DefaultAvatarExpiration   = 86400
	DefaultPreCacheConcurrent = 3
	MaxPreCacheConcurrent     = 10
)

// Rates are category percentages for good / normal / bad fortunes.
type Rates struct {
	Good   int `mapstructure:"good" json:"good" validate:"min:0|max:100"`
	Normal int `mapstructure:"normal" json:"normal" validate:"min:0|max:100"`
	Bad    int `mapstructure:"bad" json:"bad" validate:"min:0|max:100"`
}

type Options struct {
	FontName       string `mapstructure:"font_name" validate:"required"`
	ImgWidth       int    `mapstructure:"img_width" validate:"required|min:1"`
	ImgHeight      int    `mapstructure:"img_height" validate:"required|min:1"`
	AvatarPosition []int  `mapstructure:"avatar_position" validate:"required|len:2"`
	AvatarSize     []int  `mapstructure:"avatar_size" validate:"required|len:2"`

	DateY      int `mapstructure:"date_y_position"`
	SummaryY   int `mapstructure:"summary_y_position"`
	LuckyStarY int `mapstructure:"lucky_star_y_position"`
	SignTextY  int `mapstructure:"sign_text_y_position"`
	UnsignY    int `mapstructure:"unsign_text_y_position"`
	WarningY   int `mapstructure:"warning_text_y_position"`

	KeywordEnabled      bool     `mapstructure:"jrys_keyword_enabled"`
	HolidayRatesEnabled bool     `mapstructure:"holiday_rates_enabled"`
	FixedDailyFortune   bool     `mapstructure:"fixed_daily_fortune"`
	Holidays            []string `mapstructure:"holidays"`
	NormalRates         Rates    `mapstructure:"normal_rates"`
	HolidayRates        Rates    `mapstructure:"holiday_rates"`

	AvatarCacheExpiration int  `mapstructure:"avatar_cache_expiration" validate:"min:0"`
	PreCacheBackgrounds   bool `mapstructure:"pre_cache_background_images"`
	CleanupDownloads      bool `mapstructure:"cleanup_background_downloads"`
	PreCacheConcurrency   int  `mapstructure:"pre_cache_concurrency"`

	FailedURLCooldown int    `mapstructure:"failed_url_cooldown" validate:"min:0"`
	RenderConcurrency int    `mapstructure:"render_concurrency"`
	AvatarURLTemplate string `mapstructure:"avatar_url_template" validate:"required"`
}

var holidayPattern = regexp.MustCompile(`^(0[1-9]|1[0-2])-(0[1-9]|[12][0-9]|3[01])$`)

// Default returns the options used when nothing is configured.
func Default() Options {
	return Options{
		FontName:              DefaultFontName,
		ImgWidth:              1080,
		ImgHeight:             1920,
		AvatarPosition:        []int{60, 1350},
		AvatarSize:            []int{150, 150},
		DateY:                 1300,
		SummaryY:              1400,
		LuckyStarY:            1500,
		SignTextY:             1600,
		UnsignY:               1700,
		WarningY:              1850,
		KeywordEnabled:        true,
		HolidayRatesEnabled:   true,
		FixedDailyFortune:     true,
		Holidays:              []string{"01-01", "02-14", "05-01", "10-01", "12-25"},
		NormalRates:           Rates{Good: 40, Normal: 40, Bad: 20},
		HolidayRates:          Rates{Good: 85, Normal: 15, Bad: 0},
		AvatarCacheExpiration: DefaultAvatarExpiration,
		PreCacheBackgrounds:   false,
		CleanupDownloads:      true,
		PreCacheConcurrency:   DefaultPreCacheConcurrent,
		FailedURLCooldown:     600,
		RenderConcurrency:     2,
		AvatarURLTemplate:     DefaultAvatarURLTemplate,
	}
}

// Load reads options from path (JSON, YAML or TOML by extension) on top of
// the defaults. An empty path yields the defaults plus JRYS_OPT_* overrides.
func Load(path string) (Options, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("JRYS_OPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
			v.SetConfigType(ext)
		}
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("read options %s: %w", path, err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("unable to decode options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts.Normalize(), nil
}

func setDefaults(v *viper.Viper, d Options) {
	v.SetDefault("font_name", d.FontName)
	v.SetDefault("img_width", d.ImgWidth)
	v.SetDefault("img_height", d.ImgHeight)
	v.SetDefault("avatar_position", d.AvatarPosition)
	v.SetDefault("avatar_size", d.AvatarSize)
	v.SetDefault("date_y_position", d.DateY)
	v.SetDefault("summary_y_position", d.SummaryY)
	v.SetDefault("lucky_star_y_position", d.LuckyStarY)
	v.SetDefault("sign_text_y_position", d.SignTextY)
	v.SetDefault("unsign_text_y_position", d.UnsignY)
	v.SetDefault("warning_text_y_position", d.WarningY)
	v.SetDefault("jrys_keyword_enabled", d.KeywordEnabled)
	v.SetDefault("holiday_rates_enabled", d.HolidayRatesEnabled)
	v.SetDefault("fixed_daily_fortune", d.FixedDailyFortune)
	v.SetDefault("holidays", d.Holidays)
	v.SetDefault("normal_rates.good", d.NormalRates.Good)
	v.SetDefault("normal_rates.normal", d.NormalRates.Normal)
	v.SetDefault("normal_rates.bad", d.NormalRates.Bad)
	v.SetDefault("holiday_rates.good", d.HolidayRates.Good)
	v.SetDefault("holiday_rates.normal", d.HolidayRates.Normal)
	v.SetDefault("holiday_rates.bad", d.HolidayRates.Bad)
	v.SetDefault("avatar_cache_expiration", d.AvatarCacheExpiration)
	v.SetDefault("pre_cache_background_images", d.PreCacheBackgrounds)
	v.SetDefault("cleanup_background_downloads", d.CleanupDownloads)
	v.SetDefault("pre_cache_concurrency", d.PreCacheConcurrency)
	v.SetDefault("failed_url_cooldown", d.FailedURLCooldown)
	v.SetDefault("render_concurrency", d.RenderConcurrency)
	v.SetDefault("avatar_url_template", d.AvatarURLTemplate)
}

// Validate rejects options that cannot produce a poster. Out-of-range
// concurrency values are not errors; Normalize clamps them.
func (o Options) Validate() error {
	v := validate.Struct(&o)
	if !v.Validate() {
		return fmt.Errorf("invalid options: %w", v.Errors)
	}
	for _, r := range []Rates{o.NormalRates, o.HolidayRates} {
		rv := validate.Struct(&r)
		if !rv.Validate() {
			return fmt.Errorf("invalid rates: %w", rv.Errors)
		}
	}
	for _, h := range o.Holidays {
		if !holidayPattern.MatchString(strings.TrimSpace(h)) {
			return fmt.Errorf("invalid holiday %q (want MM-DD)", h)
		}
	}
	if o.AvatarSize[0] <= 0 || o.AvatarSize[1] <= 0 {
		return fmt.Errorf("invalid avatar_size %v", o.AvatarSize)
	}
	if err := runtime.ValidateHTTPURL(o.AvatarURL("0")); err != nil {
		return fmt.Errorf("invalid avatar_url_template: %w", err)
	}
	return nil
}

// Normalize clamps concurrency knobs and trims list entries.
func (o Options) Normalize() Options {
	o.PreCacheConcurrency = ClampConcurrency(o.PreCacheConcurrency)
	if o.RenderConcurrency < 1 {
		o.RenderConcurrency = 1
	}
	holidays := make([]string, 0, len(o.Holidays))
	for _, h := range o.Holidays {
		if h = strings.TrimSpace(h); h != "" {
			holidays = append(holidays, h)
		}
	}
	o.Holidays = holidays
	return o
}

// ClampConcurrency bounds the pre-cache concurrency to [1, 10].
func ClampConcurrency(n int) int {
	return max(1, min(n, MaxPreCacheConcurrent))
}

func (o Options) AvatarTTL() time.Duration {
	return time.Duration(o.AvatarCacheExpiration) * time.Second
}

func (o Options) FailedURLTTL() time.Duration {
	return time.Duration(o.FailedURLCooldown) * time.Second
}

// AvatarURL expands the avatar service template for a user. The id is
// query-escaped.
func (o Options) AvatarURL(userID string) string {
	tpl := o.AvatarURLTemplate
	if strings.TrimSpace(tpl) == "" {
		tpl = DefaultAvatarURLTemplate
	}
	return strings.ReplaceAll(tpl, "{user_id}", url.QueryEscape(userID))
}
