// Package tool provides the external data tools consulted while composing a reply.
package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/google/jsonschema-go/jsonschema"
	"google.golang.org/genai"
)

const (
	WeatherToolName = "get_weather"

	defaultWeatherURL = "https://restapi.amap.com/v3/weather/weatherInfo"
	defaultTimeout    = 10 * time.Second
)

// ErrWeatherNotConfigured is returned when no Amap key is set.
var ErrWeatherNotConfigured = errors.New("天气服务未配置")

var weatherKeywords = []string{
	"天气", "气温", "温度", "下雨", "下雪", "晴天", "阴天", "多少度", "冷不冷", "热不热", "冷吗", "热吗",
}

var (
	cityBeforeWeather = regexp.MustCompile(`([^\s，。？！,?!]+?)(?:的|那边|这边)?天气`)
	cityAfterWeather  = regexp.MustCompile(`天气.*?([^\s，。？！,?!]{2,4}(?:市|县|区))`)
	cityNoise         = strings.NewReplacer("现在", "", "今天", "", "明天", "", "你", "", "我", "", "那", "", "这", "")
)

// Weather is a live weather report. Err is set when the lookup failed.
type Weather struct {
	City          string `json:"city"`
	Province      string `json:"province,omitempty"`
	Temperature   string `json:"temperature"`
	Weather       string `json:"weather"`
	Humidity      string `json:"humidity"`
	WindDirection string `json:"wind_direction,omitempty"`
	WindPower     string `json:"wind_power,omitempty"`
	ReportTime    string `json:"report_time,omitempty"`
	Err           string `json:"error,omitempty"`
}

// OK reports whether w carries data.
func (w *Weather) OK() bool {
	return w != nil && w.Err == ""
}

type amapLive struct {
	Province      string `json:"province"`
	City          string `json:"city"`
	Weather       string `json:"weather"`
	Temperature   string `json:"temperature"`
	WindDirection string `json:"winddirection"`
	WindPower     string `json:"windpower"`
	Humidity      string `json:"humidity"`
	ReportTime    string `json:"reporttime"`
}

type amapResponse struct {
	Status string     `json:"status"`
	Info   string     `json:"info"`
	Lives  []amapLive `json:"lives"`
}

// WeatherTool queries the Amap live weather API.
type WeatherTool struct {
	apiKey      string
	baseURL     string
	defaultCity string
	client      *http.Client
}

// WeatherOption configures a WeatherTool.
type WeatherOption func(*WeatherTool)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) WeatherOption {
	return func(t *WeatherTool) { t.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) WeatherOption {
	return func(t *WeatherTool) { t.client = c }
}

// NewWeatherTool creates a WeatherTool. defaultCity is used when a message
// names no city.
func NewWeatherTool(apiKey, defaultCity string, timeout time.Duration, opts ...WeatherOption) *WeatherTool {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if defaultCity == "" {
		defaultCity = "昆山"
	}
	t := &WeatherTool{
		apiKey:      apiKey,
		baseURL:     defaultWeatherURL,
		defaultCity: defaultCity,
		client:      &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the function name of the tool.
func (t *WeatherTool) Name() string {
	return WeatherToolName
}

// Declaration describes the tool for function calling models.
func (t *WeatherTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        WeatherToolName,
		Description: "查询指定城市的实时天气",
		ParametersJsonSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"city": {Type: "string", Description: "中文城市名，例如 昆山、北京"},
			},
			Required: []string{"city"},
		},
	}
}

// DetectCity reports whether message asks about the weather and which city
// it names, falling back to the default city.
func (t *WeatherTool) DetectCity(message string) (string, bool) {
	asked := false
	for _, kw := range weatherKeywords {
		if strings.Contains(message, kw) {
			asked = true
			break
		}
	}
	if !asked {
		return "", false
	}
	for _, re := range []*regexp.Regexp{cityBeforeWeather, cityAfterWeather} {
		m := re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		city := cityNoise.Replace(m[1])
		if utf8.RuneCountInString(city) >= 2 {
			return city, true
		}
	}
	return t.defaultCity, true
}

// Get fetches the live weather for city. Failures are reported in Weather.Err.
func (t *WeatherTool) Get(ctx context.Context, city string) *Weather {
	if t.apiKey == "" {
		slog.Warn("amap api key not configured")
		return &Weather{City: city, Err: ErrWeatherNotConfigured.Error()}
	}

	q := url.Values{}
	q.Set("key", t.apiKey)
	q.Set("city", city)
	q.Set("extensions", "base")
	q.Set("output", "JSON")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return &Weather{City: city, Err: "天气查询失败"}
	}
	resp, err := t.client.Do(req)
	if err != nil {
		slog.Warn("weather request failed", "city", city, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return &Weather{City: city, Err: "天气查询超时"}
		}
		return &Weather{City: city, Err: "天气查询失败"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("weather api returned non-200", "status", resp.StatusCode)
		return &Weather{City: city, Err: "无法获取天气信息"}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Weather{City: city, Err: "天气查询失败"}
	}
	return parseWeather(body, city)
}

func parseWeather(body []byte, city string) *Weather {
	var data amapResponse
	if err := sonic.Unmarshal(body, &data); err != nil {
		slog.Warn("failed to parse weather response", "error", err)
		return &Weather{City: city, Err: "解析天气数据失败"}
	}
	if data.Status != "1" {
		slog.Warn("weather api error", "info", data.Info)
		msg := data.Info
		if msg == "" {
			msg = "查询失败"
		}
		return &Weather{City: city, Err: msg}
	}
	if len(data.Lives) == 0 {
		return &Weather{City: city, Err: "未找到天气数据"}
	}
	live := data.Lives[0]
	w := &Weather{
		City:          live.City,
		Province:      live.Province,
		Temperature:   live.Temperature,
		Weather:       live.Weather,
		Humidity:      live.Humidity,
		WindDirection: live.WindDirection,
		WindPower:     live.WindPower,
		ReportTime:    live.ReportTime,
	}
	if w.City == "" {
		w.City = city
	}
	if w.Temperature == "" {
		w.Temperature = "未知"
	}
	return w
}

// Format renders w as a short natural sentence.
func Format(w *Weather) string {
	if w == nil {
		return ""
	}
	if !w.OK() {
		return fmt.Sprintf("查不到%s的天气...", w.City)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s现在%s度", w.City, w.Temperature)
	if w.Weather != "" {
		sb.WriteString("，" + w.Weather)
	}
	if h, err := strconv.Atoi(w.Humidity); err == nil {
		switch {
		case h > 80:
			sb.WriteString("，有点潮")
		case h < 30:
			sb.WriteString("，比较干燥")
		}
	}
	if w.WindDirection != "" && w.WindPower != "" {
		if p, err := strconv.Atoi(strings.TrimPrefix(w.WindPower, "≤")); err == nil && p >= 4 {
			fmt.Fprintf(&sb, "，%s风%s级", w.WindDirection, w.WindPower)
		}
	}
	return sb.String()
}

// Lookup returns formatted weather info when message asks about the weather,
// and an empty string otherwise or on any failure.
func (t *WeatherTool) Lookup(ctx context.Context, message string) string {
	city, ok := t.DetectCity(message)
	if !ok {
		return ""
	}
	w := t.Get(ctx, city)
	if !w.OK() {
		return ""
	}
	return Format(w)
}

// Call answers a get_weather function call. A missing city uses the default
// city; lookup failures are returned in the "error" field for the model.
func (t *WeatherTool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	city, _ := args["city"].(string)
	city = strings.TrimSpace(city)
	if city == "" {
		city = t.defaultCity
	}
	w := t.Get(ctx, city)
	if !w.OK() {
		return map[string]any{"city": city, "error": w.Err}, nil
	}
	return map[string]any{
		"city":        w.City,
		"temperature": w.Temperature,
		"weather":     w.Weather,
		"humidity":    w.Humidity,
		"summary":     Format(w),
	}, nil
}
