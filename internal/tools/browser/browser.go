// Package browser implements stealth web automation with automatic
// CAPTCHA solving on top of go-rod.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
)

const (
	selectorTimeout = 10 * time.Second
	navTimeout      = 60 * time.Second
	waitTimeout     = 15 * time.Second
)

// Config configures the browser tool.
type Config struct {
	Workspace       string
	Headful         bool // run with a visible window, mainly for debugging
	CaptchaProvider string
	CaptchaAPIKey   string
	ProxyURL        string
}

// session is the live browser state. One session serves the whole
// process and is created lazily on first use.
type session struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	fp       fingerprint
}

// Tool drives a stealth Chromium instance. Each session presents a
// randomized fingerprint; interactions mimic human cursor movement and
// typing cadence.
type Tool struct {
	cfg    Config
	solver *CaptchaSolver

	mu      sync.Mutex
	sess    *session
	rng     *rand.Rand
	screens string
}

func New(cfg Config) *Tool {
	return &Tool{
		cfg:     cfg,
		solver:  NewCaptchaSolver(cfg.CaptchaProvider, cfg.CaptchaAPIKey),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		screens: filepath.Join(cfg.Workspace, "screenshots"),
	}
}

func (t *Tool) Name() string { return "browser" }

func (t *Tool) Description() string {
	return "Control a stealth web browser with CAPTCHA solving. " +
		"Actions: goto, click, type, type_slowly, find_text, hover, press, " +
		"select_option, wait, evaluate, screenshot, extract, content, url, " +
		"scroll, back, forward, reload, fill_form, solve_captcha. " +
		"Use 'find_text' to click elements by visible text instead of CSS selectors. " +
		"Use 'type_slowly' for sites with bot detection. " +
		"Use 'solve_captcha' when a CAPTCHA blocks the page. " +
		"Use 'extract' to get clean readable text from pages."
}

func (t *Tool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type": "string",
				"enum": []string{
					"goto", "click", "type", "type_slowly", "find_text",
					"hover", "press", "select_option", "wait", "evaluate",
					"screenshot", "extract", "content", "url",
					"scroll", "back", "forward", "reload", "fill_form",
					"solve_captcha",
				},
				"description": "The action to perform",
			},
			"url":        map[string]interface{}{"type": "string", "description": "URL for 'goto'"},
			"selector":   map[string]interface{}{"type": "string", "description": "CSS selector for element actions"},
			"text":       map[string]interface{}{"type": "string", "description": "Text to type, or visible text to find"},
			"key":        map[string]interface{}{"type": "string", "description": "Key for 'press' (e.g. 'Enter')"},
			"value":      map[string]interface{}{"type": "string", "description": "Value for 'select_option'"},
			"expression": map[string]interface{}{"type": "string", "description": "JavaScript for 'evaluate'"},
			"wait_for": map[string]interface{}{
				"type":        "string",
				"description": "What to wait for: 'text:Hello', 'selector:.done', 'url:example.com', or milliseconds like '3000'",
			},
			"full_page": map[string]interface{}{"type": "boolean", "description": "Full page screenshot"},
			"direction": map[string]interface{}{"type": "string", "enum": []string{"up", "down"}},
			"amount":    map[string]interface{}{"type": "integer", "description": "Scroll pixels"},
			"fields": map[string]interface{}{
				"type":        "array",
				"description": "For fill_form: array of {selector, value} objects",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"selector": map[string]interface{}{"type": "string"},
						"value":    map[string]interface{}{"type": "string"},
					},
				},
			},
		},
		"required": []string{"action"},
	}
}

func (t *Tool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	action, _ := args["action"].(string)

	t.mu.Lock()
	defer t.mu.Unlock()

	page, err := t.ensureSession()
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("Error: failed to start browser: %v", err))
	}

	out, err := t.dispatch(ctx, page, action, args)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("Error (%s): %v", t.currentURL(), err))
	}
	return tools.NewResult(out)
}

// Close shuts the browser down. Safe to call when nothing was started.
func (t *Tool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return
	}
	if t.sess.page != nil {
		_ = t.sess.page.Close()
	}
	if t.sess.browser != nil {
		_ = t.sess.browser.Close()
	}
	if t.sess.launcher != nil {
		t.sess.launcher.Cleanup()
	}
	t.sess = nil
}

func (t *Tool) ensureSession() (*rod.Page, error) {
	if t.sess != nil {
		return t.sess.page, nil
	}

	l := launcher.New().
		Headless(!t.cfg.Headful).
		NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-infobars").
		Set("window-size", "1920,1080")
	if t.cfg.ProxyURL != "" {
		l = l.Proxy(t.cfg.ProxyURL)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, err
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, err
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		l.Cleanup()
		return nil, err
	}

	fp := newFingerprint(t.rng)
	if err := applyFingerprint(page, fp); err != nil {
		_ = b.Close()
		l.Cleanup()
		return nil, err
	}

	if err := os.MkdirAll(t.screens, 0o755); err != nil {
		slog.Warn("browser: screenshots dir", "error", err)
	}

	slog.Info("browser session started",
		"viewport", fmt.Sprintf("%dx%d", fp.Viewport.Width, fp.Viewport.Height),
		"timezone", fp.Timezone,
	)

	t.sess = &session{launcher: l, browser: b, page: page, fp: fp}
	return page, nil
}

func (t *Tool) currentURL() string {
	if t.sess == nil || t.sess.page == nil {
		return "unknown"
	}
	info, err := t.sess.page.Info()
	if err != nil {
		return "unknown"
	}
	return info.URL
}

// retryOnce runs fn and retries it a single time after a short backoff.
func retryOnce(fn func() error) error {
	if err := fn(); err != nil {
		time.Sleep(500 * time.Millisecond)
		return fn()
	}
	return nil
}

func (t *Tool) dispatch(ctx context.Context, page *rod.Page, action string, args map[string]interface{}) (string, error) {
	switch action {
	case "goto":
		return t.doGoto(ctx, page, args)
	case "solve_captcha":
		return t.doSolveCaptcha(ctx, page)
	case "click":
		return t.doClick(page, args)
	case "find_text":
		return t.doFindText(page, args)
	case "type":
		return t.doType(page, args)
	case "type_slowly":
		return t.doTypeSlowly(page, args)
	case "hover":
		return t.doHover(page, args)
	case "press":
		return t.doPress(page, args)
	case "select_option":
		return t.doSelectOption(page, args)
	case "wait":
		return t.doWait(page, args)
	case "evaluate":
		return t.doEvaluate(page, args)
	case "screenshot":
		return t.doScreenshot(page, args)
	case "extract":
		return t.doExtract(page)
	case "content":
		return t.doContent(page)
	case "url":
		return t.currentURL(), nil
	case "back":
		return t.doHistory(page, page.NavigateBack, "back")
	case "forward":
		return t.doHistory(page, page.NavigateForward, "forward")
	case "reload":
		return t.doHistory(page, page.Reload, "reload")
	case "scroll":
		return t.doScroll(page, args)
	case "fill_form":
		return t.doFillForm(page, args)
	}
	return "", fmt.Errorf("unknown action %q", action)
}

func (t *Tool) doGoto(ctx context.Context, page *rod.Page, args map[string]interface{}) (string, error) {
	u, _ := args["url"].(string)
	if u == "" {
		return "", fmt.Errorf("'url' parameter is required for 'goto'")
	}

	humanDelay(t.rng, 100, 300)

	err := retryOnce(func() error {
		if err := page.Timeout(navTimeout).Navigate(u); err != nil {
			return err
		}
		return page.Timeout(navTimeout).WaitLoad()
	})
	if err != nil {
		return "", err
	}
	_ = page.Timeout(8 * time.Second).WaitIdle(8 * time.Second)

	t.dismissCookieBanners(page)

	title := t.pageTitle(page)
	result := fmt.Sprintf("Navigated to %s - Title: %q", u, title)
	if captchaMsg := t.autoSolveCaptcha(ctx, page); captchaMsg != "" {
		result += "\n" + captchaMsg
	}
	return result, nil
}

func (t *Tool) doSolveCaptcha(ctx context.Context, page *rod.Page) (string, error) {
	if !t.solver.Available() {
		return "", fmt.Errorf("no CAPTCHA solver configured; set CAPSOLVER_API_KEY, TWOCAPTCHA_API_KEY, or ANTICAPTCHA_API_KEY")
	}
	info := t.solver.Detect(page)
	if info == nil {
		return "No CAPTCHA detected on this page.", nil
	}

	token, err := t.solver.Solve(ctx, info)
	if err != nil {
		return "", fmt.Errorf("failed to solve %s CAPTCHA: %w", info.Type, err)
	}
	if err := t.solver.Inject(page, info, token); err != nil {
		return "", err
	}
	return fmt.Sprintf("Solved %s CAPTCHA via %s. Token injected and form submitted. Current page: %q",
		info.Type, t.solver.ProviderName(), t.pageTitle(page)), nil
}

// autoSolveCaptcha runs the pipeline after navigation when a solver is
// configured. Returns a status line, or "" when nothing was found.
func (t *Tool) autoSolveCaptcha(ctx context.Context, page *rod.Page) string {
	if !t.solver.Available() {
		return ""
	}
	info := t.solver.Detect(page)
	if info == nil {
		return ""
	}
	slog.Info("captcha detected", "type", info.Type)

	token, err := t.solver.Solve(ctx, info)
	if err != nil {
		return fmt.Sprintf("CAPTCHA detected (%s) but solving failed: %v", info.Type, err)
	}
	if err := t.solver.Inject(page, info, token); err != nil {
		return fmt.Sprintf("CAPTCHA solved (%s) but token injection failed: %v", info.Type, err)
	}
	return fmt.Sprintf("Solved %s CAPTCHA via %s", info.Type, t.solver.ProviderName())
}

func (t *Tool) dismissCookieBanners(page *rod.Page) {
	for _, selector := range cookieDismissSelectors {
		el, err := page.Timeout(500 * time.Millisecond).Element(selector)
		if err != nil {
			continue
		}
		if visible, _ := el.Visible(); !visible {
			continue
		}
		if err := el.Timeout(time.Second).Click(proto.InputMouseButtonLeft, 1); err == nil {
			slog.Debug("dismissed cookie banner", "selector", selector)
			time.Sleep(300 * time.Millisecond)
			return
		}
	}
}

func (t *Tool) doClick(page *rod.Page, args map[string]interface{}) (string, error) {
	selector, _ := args["selector"].(string)
	if selector == "" {
		return "", fmt.Errorf("'selector' parameter is required for 'click'")
	}

	humanDelay(t.rng, 50, 200)
	err := retryOnce(func() error {
		el, err := page.Timeout(selectorTimeout).Element(selector)
		if err != nil {
			return err
		}
		if shape, err := el.Shape(); err == nil {
			if pt := shape.OnePointInside(); pt != nil {
				moveMouseHuman(page, t.rng, pt.X, pt.Y)
			}
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Clicked on '%s'", selector), nil
}

func (t *Tool) doFindText(page *rod.Page, args map[string]interface{}) (string, error) {
	text, _ := args["text"].(string)
	if text == "" {
		return "", fmt.Errorf("'text' parameter is required for 'find_text'")
	}

	humanDelay(t.rng, 50, 200)
	pattern := regexp.QuoteMeta(text)

	// text match first, then link and button roles
	attempts := []struct {
		selector string
		label    string
	}{
		{"*", "text"},
		{`a, [role="link"]`, "link"},
		{`button, [role="button"], input[type="submit"]`, "button"},
	}
	for _, attempt := range attempts {
		el, err := page.Timeout(selectorTimeout).ElementR(attempt.selector, pattern)
		if err != nil {
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			continue
		}
		return fmt.Sprintf("Found and clicked %s: '%s'", attempt.label, text), nil
	}
	return "", fmt.Errorf("could not find visible element with text '%s'", text)
}

func (t *Tool) doType(page *rod.Page, args map[string]interface{}) (string, error) {
	selector, _ := args["selector"].(string)
	text, _ := args["text"].(string)
	if selector == "" {
		return "", fmt.Errorf("'selector' and 'text' parameters are required for 'type'")
	}

	humanDelay(t.rng, 50, 200)
	err := retryOnce(func() error {
		el, err := page.Timeout(selectorTimeout).Element(selector)
		if err != nil {
			return err
		}
		if err := el.SelectAllText(); err == nil {
			_ = el.Type(input.Backspace)
		}
		return el.Input(text)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Typed text into '%s'", selector), nil
}

func (t *Tool) doTypeSlowly(page *rod.Page, args map[string]interface{}) (string, error) {
	selector, _ := args["selector"].(string)
	text, _ := args["text"].(string)
	if selector == "" {
		return "", fmt.Errorf("'selector' and 'text' parameters are required for 'type_slowly'")
	}

	humanDelay(t.rng, 50, 200)
	el, err := page.Timeout(selectorTimeout).Element(selector)
	if err != nil {
		return "", err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return "", err
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Type(input.Backspace)
	}

	for _, r := range text {
		if err := page.InsertText(string(r)); err != nil {
			return "", err
		}
		humanDelay(t.rng, 50, 150)
	}
	return fmt.Sprintf("Slowly typed text into '%s'", selector), nil
}

func (t *Tool) doHover(page *rod.Page, args map[string]interface{}) (string, error) {
	selector, _ := args["selector"].(string)
	if selector == "" {
		return "", fmt.Errorf("'selector' parameter is required for 'hover'")
	}

	humanDelay(t.rng, 50, 200)
	err := retryOnce(func() error {
		el, err := page.Timeout(selectorTimeout).Element(selector)
		if err != nil {
			return err
		}
		return el.Hover()
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Hovered over '%s'", selector), nil
}

var keyNames = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
	"Space":      input.Space,
}

func (t *Tool) doPress(page *rod.Page, args map[string]interface{}) (string, error) {
	keyName, _ := args["key"].(string)
	if keyName == "" {
		return "", fmt.Errorf("'key' parameter is required for 'press'")
	}
	key, ok := keyNames[keyName]
	if !ok {
		if len(keyName) == 1 {
			key = input.Key(keyName[0])
		} else {
			return "", fmt.Errorf("unsupported key %q", keyName)
		}
	}

	humanDelay(t.rng, 30, 80)
	if err := page.Keyboard.Press(key); err != nil {
		return "", err
	}
	return fmt.Sprintf("Pressed key '%s'", keyName), nil
}

func (t *Tool) doSelectOption(page *rod.Page, args map[string]interface{}) (string, error) {
	selector, _ := args["selector"].(string)
	value, _ := args["value"].(string)
	if selector == "" || value == "" {
		return "", fmt.Errorf("'selector' and 'value' are required for 'select_option'")
	}

	humanDelay(t.rng, 50, 200)
	el, err := page.Timeout(selectorTimeout).Element(selector)
	if err != nil {
		return "", err
	}
	if err := el.Select([]string{value}, true, rod.SelectorTypeText); err != nil {
		return "", err
	}
	return fmt.Sprintf("Selected '%s' in '%s'", value, selector), nil
}

func (t *Tool) doWait(page *rod.Page, args map[string]interface{}) (string, error) {
	waitFor, _ := args["wait_for"].(string)
	if waitFor == "" {
		waitFor = "2000"
	}

	switch {
	case strings.HasPrefix(waitFor, "text:"):
		target := waitFor[len("text:"):]
		if _, err := page.Timeout(waitTimeout).ElementR("*", regexp.QuoteMeta(target)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Text '%s' is now visible", target), nil

	case strings.HasPrefix(waitFor, "selector:"):
		target := waitFor[len("selector:"):]
		if _, err := page.Timeout(waitTimeout).Element(target); err != nil {
			return "", err
		}
		return fmt.Sprintf("Selector '%s' is now visible", target), nil

	case strings.HasPrefix(waitFor, "url:"):
		target := waitFor[len("url:"):]
		deadline := time.Now().Add(waitTimeout)
		for time.Now().Before(deadline) {
			if strings.Contains(t.currentURL(), target) {
				return fmt.Sprintf("URL now contains '%s'", target), nil
			}
			time.Sleep(250 * time.Millisecond)
		}
		return "", fmt.Errorf("timed out waiting for URL to contain '%s'", target)

	default:
		ms, err := strconv.Atoi(waitFor)
		if err != nil {
			return "", fmt.Errorf("invalid wait_for value %q", waitFor)
		}
		if ms > 30000 {
			ms = 30000
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return fmt.Sprintf("Waited %dms", ms), nil
	}
}

func (t *Tool) doEvaluate(page *rod.Page, args map[string]interface{}) (string, error) {
	expression, _ := args["expression"].(string)
	if expression == "" {
		return "", fmt.Errorf("'expression' parameter is required for 'evaluate'")
	}

	res, err := page.Eval(expression)
	if err != nil {
		return "", err
	}
	out := "null"
	if res != nil {
		out = res.Value.JSON("", "")
	}
	if len(out) > 5000 {
		out = out[:5000] + "...[TRUNCATED]"
	}
	return "Result: " + out, nil
}

func (t *Tool) doScreenshot(page *rod.Page, args map[string]interface{}) (string, error) {
	fullPage, _ := args["full_page"].(bool)

	data, err := page.Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return "", err
	}

	path := filepath.Join(t.screens, fmt.Sprintf("screenshot_%d.png", time.Now().Unix()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return "Screenshot saved to " + path, nil
}

func (t *Tool) doExtract(page *rod.Page) (string, error) {
	html, err := page.HTML()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Page: %s\nURL: %s\n\n%s", t.pageTitle(page), t.currentURL(), extractText(html)), nil
}

func (t *Tool) doContent(page *rod.Page) (string, error) {
	html, err := page.HTML()
	if err != nil {
		return "", err
	}
	if len(html) > 10000 {
		html = html[:10000] + "...[TRUNCATED - use 'extract' for readable text]"
	}
	return html, nil
}

func (t *Tool) doHistory(page *rod.Page, nav func() error, label string) (string, error) {
	if err := retryOnce(nav); err != nil {
		return "", err
	}
	_ = page.Timeout(5 * time.Second).WaitLoad()
	return fmt.Sprintf("Navigated %s - Title: %q", label, t.pageTitle(page)), nil
}

func (t *Tool) doScroll(page *rod.Page, args map[string]interface{}) (string, error) {
	direction, _ := args["direction"].(string)
	if direction == "" {
		direction = "down"
	}
	amount := 500
	if raw, ok := args["amount"].(float64); ok && raw > 0 {
		amount = int(raw)
	}

	delta := amount
	if direction == "up" {
		delta = -amount
	}
	if _, err := page.Eval(fmt.Sprintf("() => window.scrollBy(0, %d)", delta)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Scrolled %s by %dpx", direction, amount), nil
}

func (t *Tool) doFillForm(page *rod.Page, args map[string]interface{}) (string, error) {
	rawFields, _ := args["fields"].([]interface{})
	if len(rawFields) == 0 {
		return "", fmt.Errorf("'fields' parameter is required for 'fill_form'")
	}

	filled := 0
	for _, raw := range rawFields {
		field, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		selector, _ := field["selector"].(string)
		value, _ := field["value"].(string)
		if selector == "" {
			continue
		}

		humanDelay(t.rng, 30, 100)
		el, err := page.Timeout(5 * time.Second).Element(selector)
		if err != nil {
			slog.Warn("fill_form: element not found", "selector", selector)
			continue
		}
		if err := el.SelectAllText(); err == nil {
			_ = el.Type(input.Backspace)
		}
		if err := el.Input(value); err != nil {
			slog.Warn("fill_form: input failed", "selector", selector, "error", err)
			continue
		}
		filled++
	}
	return fmt.Sprintf("Filled %d/%d form fields", filled, len(rawFields)), nil
}

func (t *Tool) pageTitle(page *rod.Page) string {
	info, err := page.Info()
	if err != nil {
		return ""
	}
	return info.Title
}

var (
	scriptPattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	stylePattern  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagPattern    = regexp.MustCompile(`<[^>]+>`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// extractText reduces HTML to readable text, capped for LM context.
func extractText(html string) string {
	text := scriptPattern.ReplaceAllString(html, "")
	text = stylePattern.ReplaceAllString(text, "")
	text = tagPattern.ReplaceAllString(text, " ")

	replacer := strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	)
	text = replacer.Replace(text)
	text = strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))

	if len(text) > 8000 {
		text = text[:8000] + "\n\n[...TRUNCATED - page too large, use 'evaluate' for specific data]"
	}
	return text
}
