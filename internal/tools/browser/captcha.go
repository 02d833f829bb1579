package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-rod/rod"
)

const solverHTTPTimeout = 15 * time.Second

// CaptchaInfo describes a challenge found on the current page.
type CaptchaInfo struct {
	Type    string `json:"type"` // recaptcha_v2, recaptcha_v3, hcaptcha, turnstile
	SiteKey string `json:"sitekey"`
	PageURL string `json:"page_url"`
	Action  string `json:"action,omitempty"` // recaptcha v3 page action
}

// CaptchaSolver detects and solves reCAPTCHA v2/v3, hCaptcha, and
// Cloudflare Turnstile through external solving services. Providers are
// tried in a fixed preference order: CapSolver, 2Captcha, Anti-Captcha.
type CaptchaSolver struct {
	capsolverKey   string
	twoCaptchaKey  string
	antiCaptchaKey string

	capsolverURL   string
	twoCaptchaURL  string
	antiCaptchaURL string

	client *http.Client
}

// NewCaptchaSolver builds a solver from the explicit provider config,
// falling back to the well-known environment variables for each service.
func NewCaptchaSolver(provider, apiKey string) *CaptchaSolver {
	s := &CaptchaSolver{
		capsolverKey:   os.Getenv("CAPSOLVER_API_KEY"),
		twoCaptchaKey:  os.Getenv("TWOCAPTCHA_API_KEY"),
		antiCaptchaKey: os.Getenv("ANTICAPTCHA_API_KEY"),
		capsolverURL:   "https://api.capsolver.com",
		twoCaptchaURL:  "https://2captcha.com",
		antiCaptchaURL: "https://api.anti-captcha.com",
		client:         &http.Client{Timeout: solverHTTPTimeout},
	}

	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "capsolver":
		s.capsolverKey = apiKey
	case "2captcha", "twocaptcha":
		s.twoCaptchaKey = apiKey
	case "anticaptcha", "anti-captcha":
		s.antiCaptchaKey = apiKey
	}
	return s
}

func (s *CaptchaSolver) Available() bool {
	return s.capsolverKey != "" || s.twoCaptchaKey != "" || s.antiCaptchaKey != ""
}

func (s *CaptchaSolver) ProviderName() string {
	switch {
	case s.capsolverKey != "":
		return "CapSolver"
	case s.twoCaptchaKey != "":
		return "2Captcha"
	case s.antiCaptchaKey != "":
		return "Anti-Captcha"
	}
	return "none"
}

// detectionJS inspects the DOM for the known challenge widgets and
// returns {type, sitekey, action} or null.
const detectionJS = `
() => {
    const recaptchaFrame = document.querySelector('iframe[src*="recaptcha"]');
    const recaptchaDiv = document.querySelector('.g-recaptcha, [data-sitekey]');

    if (recaptchaDiv) {
        const sitekey = recaptchaDiv.getAttribute('data-sitekey');
        if (sitekey) {
            const isV3 = recaptchaDiv.getAttribute('data-size') === 'invisible'
                      || document.querySelector('script[src*="recaptcha/api.js?render="]');
            return {
                type: isV3 ? 'recaptcha_v3' : 'recaptcha_v2',
                sitekey: sitekey,
                action: recaptchaDiv.getAttribute('data-action') || 'verify'
            };
        }
    }

    if (recaptchaFrame) {
        const match = recaptchaFrame.src.match(/[?&]k=([^&]+)/);
        if (match) {
            return { type: 'recaptcha_v2', sitekey: match[1] };
        }
    }

    const hcaptchaFrame = document.querySelector('iframe[src*="hcaptcha"]');
    const hcaptchaDiv = document.querySelector('.h-captcha, [data-hcaptcha-sitekey]');

    if (hcaptchaDiv) {
        const sitekey = hcaptchaDiv.getAttribute('data-sitekey')
                     || hcaptchaDiv.getAttribute('data-hcaptcha-sitekey');
        if (sitekey) {
            return { type: 'hcaptcha', sitekey: sitekey };
        }
    }

    if (hcaptchaFrame) {
        const match = hcaptchaFrame.src.match(/[?&]sitekey=([^&]+)/);
        if (match) {
            return { type: 'hcaptcha', sitekey: match[1] };
        }
    }

    const turnstile = document.querySelector('.cf-turnstile, [data-turnstile-sitekey]');
    if (turnstile) {
        const sitekey = turnstile.getAttribute('data-sitekey')
                     || turnstile.getAttribute('data-turnstile-sitekey');
        if (sitekey) {
            return { type: 'turnstile', sitekey: sitekey };
        }
    }

    return null;
}
`

// Detect evaluates the detection script on the page. Returns nil when no
// challenge is present.
func (s *CaptchaSolver) Detect(page *rod.Page) *CaptchaInfo {
	res, err := page.Eval(detectionJS)
	if err != nil {
		slog.Warn("captcha detection failed", "error", err)
		return nil
	}
	if res == nil || res.Value.Nil() {
		return nil
	}

	info := &CaptchaInfo{
		Type:    res.Value.Get("type").Str(),
		SiteKey: res.Value.Get("sitekey").Str(),
		Action:  res.Value.Get("action").Str(),
	}
	if pageInfo, err := page.Info(); err == nil {
		info.PageURL = pageInfo.URL
	}
	if info.Type == "" || info.SiteKey == "" {
		return nil
	}
	return info
}

// Solve returns the challenge token from the configured provider, or an
// error when every configured provider fails.
func (s *CaptchaSolver) Solve(ctx context.Context, info *CaptchaInfo) (string, error) {
	if info.SiteKey == "" || info.PageURL == "" {
		return "", fmt.Errorf("captcha info incomplete")
	}

	action := info.Action
	if action == "" {
		action = "verify"
	}

	slog.Info("solving captcha", "type", info.Type, "provider", s.ProviderName())

	switch {
	case s.capsolverKey != "":
		return s.solveCapSolver(ctx, info.Type, info.SiteKey, info.PageURL, action)
	case s.twoCaptchaKey != "":
		return s.solveTwoCaptcha(ctx, info.Type, info.SiteKey, info.PageURL, action)
	case s.antiCaptchaKey != "":
		return s.solveAntiCaptcha(ctx, info.Type, info.SiteKey, info.PageURL, action)
	}
	return "", fmt.Errorf("no captcha solver configured")
}

// taskResponse is the shared shape of CapSolver and Anti-Captcha replies.
type taskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           any    `json:"taskId"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
		Token              string `json:"token"`
		Text               string `json:"text"`
	} `json:"solution"`
}

func (r *taskResponse) token() string {
	if r.Solution.GRecaptchaResponse != "" {
		return r.Solution.GRecaptchaResponse
	}
	if r.Solution.Token != "" {
		return r.Solution.Token
	}
	return r.Solution.Text
}

func (s *CaptchaSolver) solveCapSolver(ctx context.Context, ctype, sitekey, pageURL, action string) (string, error) {
	taskType := map[string]string{
		"recaptcha_v2": "ReCaptchaV2TaskProxyLess",
		"recaptcha_v3": "ReCaptchaV3TaskProxyLess",
		"hcaptcha":     "HCaptchaTaskProxyLess",
		"turnstile":    "AntiTurnstileTaskProxyLess",
	}[ctype]
	if taskType == "" {
		return "", fmt.Errorf("unsupported captcha type %q", ctype)
	}

	task := map[string]any{
		"type":       taskType,
		"websiteURL": pageURL,
		"websiteKey": sitekey,
	}
	if ctype == "recaptcha_v3" {
		task["pageAction"] = action
		task["minScore"] = 0.7
	}

	created, err := s.postJSON(ctx, s.capsolverURL+"/createTask",
		map[string]any{"clientKey": s.capsolverKey, "task": task})
	if err != nil {
		return "", err
	}
	if created.ErrorID != 0 {
		return "", fmt.Errorf("capsolver create: %s", created.ErrorDescription)
	}

	return s.pollTask(ctx, s.capsolverURL+"/getTaskResult", s.capsolverKey, created.TaskID, 2*time.Second, 60)
}

func (s *CaptchaSolver) solveAntiCaptcha(ctx context.Context, ctype, sitekey, pageURL, action string) (string, error) {
	taskType := map[string]string{
		"recaptcha_v2": "RecaptchaV2TaskProxyless",
		"recaptcha_v3": "RecaptchaV3TaskProxyless",
		"hcaptcha":     "HCaptchaTaskProxyless",
		"turnstile":    "TurnstileTaskProxyless",
	}[ctype]
	if taskType == "" {
		return "", fmt.Errorf("unsupported captcha type %q", ctype)
	}

	task := map[string]any{
		"type":       taskType,
		"websiteURL": pageURL,
		"websiteKey": sitekey,
	}
	if ctype == "recaptcha_v3" {
		task["pageAction"] = action
		task["minScore"] = 0.7
	}

	created, err := s.postJSON(ctx, s.antiCaptchaURL+"/createTask",
		map[string]any{"clientKey": s.antiCaptchaKey, "task": task})
	if err != nil {
		return "", err
	}
	if created.ErrorID != 0 {
		return "", fmt.Errorf("anti-captcha create: %s", created.ErrorDescription)
	}

	return s.pollTask(ctx, s.antiCaptchaURL+"/getTaskResult", s.antiCaptchaKey, created.TaskID, 2*time.Second, 40)
}

// pollTask polls a CapSolver-protocol endpoint until the task settles.
func (s *CaptchaSolver) pollTask(ctx context.Context, endpoint, clientKey string, taskID any, interval time.Duration, maxPolls int) (string, error) {
	for i := 0; i < maxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		result, err := s.postJSON(ctx, endpoint, map[string]any{"clientKey": clientKey, "taskId": taskID})
		if err != nil {
			return "", err
		}
		if result.ErrorID != 0 {
			return "", fmt.Errorf("solver task failed: %s", result.ErrorDescription)
		}
		if result.Status == "ready" {
			if token := result.token(); token != "" {
				return token, nil
			}
			return "", fmt.Errorf("solver returned empty token")
		}
	}
	return "", fmt.Errorf("solver timed out")
}

func (s *CaptchaSolver) solveTwoCaptcha(ctx context.Context, ctype, sitekey, pageURL, action string) (string, error) {
	method := map[string]string{
		"recaptcha_v2": "userrecaptcha",
		"recaptcha_v3": "userrecaptcha",
		"hcaptcha":     "hcaptcha",
		"turnstile":    "turnstile",
	}[ctype]
	if method == "" {
		return "", fmt.Errorf("unsupported captcha type %q", ctype)
	}

	form := url.Values{
		"key":     {s.twoCaptchaKey},
		"method":  {method},
		"sitekey": {sitekey},
		"pageurl": {pageURL},
		"json":    {"1"},
	}
	if ctype == "recaptcha_v3" {
		form.Set("version", "v3")
		form.Set("action", action)
		form.Set("min_score", "0.7")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.twoCaptchaURL+"/in.php",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var submitted struct {
		Status  int    `json:"status"`
		Request string `json:"request"`
	}
	if err := s.doJSON(req, &submitted); err != nil {
		return "", err
	}
	if submitted.Status != 1 {
		return "", fmt.Errorf("2captcha submit: %s", submitted.Request)
	}

	for i := 0; i < 40; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(3 * time.Second):
		}

		pollURL := fmt.Sprintf("%s/res.php?key=%s&action=get&id=%s&json=1",
			s.twoCaptchaURL, url.QueryEscape(s.twoCaptchaKey), url.QueryEscape(submitted.Request))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return "", err
		}

		var result struct {
			Status  int    `json:"status"`
			Request string `json:"request"`
		}
		if err := s.doJSON(req, &result); err != nil {
			return "", err
		}
		if result.Status == 1 {
			return result.Request, nil
		}
		if result.Request != "CAPCHA_NOT_READY" {
			return "", fmt.Errorf("2captcha: %s", result.Request)
		}
	}
	return "", fmt.Errorf("solver timed out")
}

func (s *CaptchaSolver) postJSON(ctx context.Context, endpoint string, payload any) (*taskResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out taskResponse
	if err := s.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *CaptchaSolver) doJSON(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// injectJS sets the solved token into the known response fields,
// triggers the site callback by walking the reCAPTCHA client registry
// (bounded depth), and attempts a form submission.
const injectJS = `
(token) => {
    const recaptchaTextarea = document.querySelector('#g-recaptcha-response')
        || document.querySelector('[name="g-recaptcha-response"]')
        || document.querySelector('textarea[id*="g-recaptcha-response"]');
    if (recaptchaTextarea) {
        recaptchaTextarea.value = token;
        recaptchaTextarea.style.display = 'block';
        recaptchaTextarea.dispatchEvent(new Event('input', { bubbles: true }));
    }

    document.querySelectorAll('textarea[id*="g-recaptcha-response"]').forEach(el => {
        el.value = token;
        el.style.display = 'block';
    });

    const hTextarea = document.querySelector('[name="h-captcha-response"]')
        || document.querySelector('textarea[data-hcaptcha-response]');
    if (hTextarea) {
        hTextarea.value = token;
        hTextarea.dispatchEvent(new Event('input', { bubbles: true }));
    }

    const tInput = document.querySelector('[name="cf-turnstile-response"]')
        || document.querySelector('input[name*="turnstile"]');
    if (tInput) {
        tInput.value = token;
        tInput.dispatchEvent(new Event('input', { bubbles: true }));
    }

    try {
        if (window.___grecaptcha_cfg && window.___grecaptcha_cfg.clients) {
            for (const clientId of Object.keys(window.___grecaptcha_cfg.clients)) {
                const client = window.___grecaptcha_cfg.clients[clientId];
                const findCallback = (obj, depth = 0) => {
                    if (depth > 5 || !obj) return null;
                    for (const key of Object.keys(obj)) {
                        if (typeof obj[key] === 'function' && key !== 'bind') {
                            return obj[key];
                        }
                        if (typeof obj[key] === 'object') {
                            const found = findCallback(obj[key], depth + 1);
                            if (found) return found;
                        }
                    }
                    return null;
                };
                const cb = findCallback(client);
                if (cb) {
                    cb(token);
                    return true;
                }
            }
        }
    } catch (e) {}

    try {
        const form = (recaptchaTextarea || hTextarea || tInput)?.closest('form');
        if (form) {
            const submit = form.querySelector('[type="submit"], button:not([type="button"])');
            if (submit) {
                submit.click();
                return true;
            }
            form.submit();
            return true;
        }
    } catch (e) {}

    return true;
}
`

// Inject writes the token into the page and lets it react: 2s grace,
// then up to 5s of network idle.
func (s *CaptchaSolver) Inject(page *rod.Page, info *CaptchaInfo, token string) error {
	if _, err := page.Eval(injectJS, token); err != nil {
		return fmt.Errorf("token injection failed: %w", err)
	}
	slog.Info("captcha token injected", "type", info.Type)

	time.Sleep(2 * time.Second)
	_ = page.Timeout(5 * time.Second).WaitIdle(5 * time.Second)
	return nil
}
