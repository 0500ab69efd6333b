package models

// Step actions understood by the browser automation capability.
const (
	ActionNavigate  = "navigate"
	ActionClick     = "click"
	ActionFill      = "fill"
	ActionWait      = "wait"
	ActionWaitURL   = "wait_url"
	ActionScroll    = "scroll"
	ActionSleep     = "sleep"
	ActionExecuteJS = "execute_js"
	ActionExtract   = "extract"
)

// StepSpec describes one page interaction within a job.
type StepSpec struct {
	// ID identifies the step inside its job. Defaults to "step-<index>".
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Action is one of the Action* constants.
	Action string `json:"action" yaml:"action" binding:"required,oneof=navigate click fill wait wait_url scroll sleep execute_js extract"`

	// Selector is the CSS selector targeted by click, fill, wait and extract.
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`

	// URL is the navigation target for "navigate" (relative to the job
	// target) and the text "wait_url" waits to see in the page URL.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Value is the text typed by "fill" and the script run by "execute_js".
	Value string `json:"value,omitempty" yaml:"value,omitempty"`

	// Milliseconds is the pause for "sleep" and "wait" without a selector.
	Milliseconds int `json:"milliseconds,omitempty" yaml:"milliseconds,omitempty" binding:"omitempty,min=0"`

	// Amount is the number of viewports scrolled by "scroll".
	Amount int `json:"amount,omitempty" yaml:"amount,omitempty"`

	// Direction is "up" or "down" (default) for "scroll".
	Direction string `json:"direction,omitempty" yaml:"direction,omitempty" binding:"omitempty,oneof=up down"`

	// Attr makes "extract" return an attribute instead of content.
	Attr string `json:"attr,omitempty" yaml:"attr,omitempty"`

	// Format is the content format for "extract": "text" (default), "html" or "markdown".
	Format string `json:"format,omitempty" yaml:"format,omitempty" binding:"omitempty,oneof=text html markdown"`

	// OutputKey names the job output that receives the extracted value.
	OutputKey string `json:"output_key,omitempty" yaml:"output_key,omitempty"`

	// Anchor is a selector that is always present on the expected page.
	// When the target element is missing but the anchor is found, the page
	// structure has changed and the failure is fatal.
	Anchor string `json:"anchor,omitempty" yaml:"anchor,omitempty"`

	// RejectSelector marks an authentication rejection when it matches
	// after the action ran (e.g. an "invalid credentials" banner).
	RejectSelector string `json:"reject_selector,omitempty" yaml:"reject_selector,omitempty"`

	// NonIdempotent steps must not be re-run after a timeout because the
	// first run may already have caused a side effect.
	NonIdempotent bool `json:"non_idempotent,omitempty" yaml:"non_idempotent,omitempty"`

	// TimeoutSeconds overrides the default per-step timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" binding:"omitempty,min=1,max=600"`
}

// StartJobRequest is the payload for POST /api/v1/jobs.
type StartJobRequest struct {
	// LogicalKey deduplicates concurrent start requests for the same job.
	LogicalKey string `json:"logical_key" yaml:"logical_key" binding:"required"`

	// Target is the URL the automation session is opened on.
	Target string `json:"target" yaml:"target" binding:"required,url"`

	// Steps is the ordered list of page interactions.
	Steps []StepSpec `json:"steps" yaml:"steps" binding:"required,min=1,dive"`

	WebhookURL    string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty" binding:"omitempty,url"`
	WebhookSecret string `json:"webhook_secret,omitempty" yaml:"webhook_secret,omitempty"`
}
