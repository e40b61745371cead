package templates

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var templatesFS embed.FS

const templatesPathEnv = "TEMPLATES_PATH"

// Set holds every canned message and prompt scaffold the pipeline sends.
// All texts are authored in English; the language service translates
// outbound copies into the recipient's language at send time.
type Set struct {
	Version int     `yaml:"version"`
	Notices Notices `yaml:"notices"`
	Expert  Expert  `yaml:"expert"`

	Reactions Reactions `yaml:"reactions"`
	Prompts   Prompts   `yaml:"prompts"`
	FollowUps FollowUps `yaml:"followups"`
}

type Notices struct {
	AnswerPending    string `yaml:"answer_pending"`
	AnswerVerified   string `yaml:"answer_verified"`
	AnswerWrong      string `yaml:"answer_wrong"`
	AnswerCorrected  string `yaml:"answer_corrected"`
	UnknownInput     string `yaml:"unknown_input"`
	MediaUnsupported string `yaml:"media_unsupported"`
}

type Expert struct {
	VerificationPrompt string        `yaml:"verification_prompt"`
	AskCorrection      string        `yaml:"ask_correction"`
	ResendPrompt       string        `yaml:"resend_prompt"`
	AlreadyVerified    string        `yaml:"already_verified"`
	ThankYou           string        `yaml:"thank_you"`
	Buttons            ExpertButtons `yaml:"buttons"`
}

type ExpertButtons struct {
	ApproveID    string `yaml:"approve_id"`
	ApproveLabel string `yaml:"approve_label"`
	RejectID     string `yaml:"reject_id"`
	RejectLabel  string `yaml:"reject_label"`
}

type Reactions struct {
	Verified string `yaml:"verified"`
	Wrong    string `yaml:"wrong"`
}

type Prompts struct {
	AnswerSystem     string `yaml:"answer_system"`
	AnswerUser       string `yaml:"answer_user"`
	CorrectionSystem string `yaml:"correction_system"`
	CorrectionUser   string `yaml:"correction_user"`
	FollowUpSystem   string `yaml:"followup_system"`
	FollowUpUser     string `yaml:"followup_user"`
}

type FollowUps struct {
	ListHeader string `yaml:"list_header"`
	ListBody   string `yaml:"list_body"`
	ListButton string `yaml:"list_button"`
	MaxItems   int    `yaml:"max_items"`
}

// Load reads the template set from TEMPLATES_PATH when set, otherwise from
// the embedded defaults.
func Load() (*Set, error) {
	data, err := readTemplates()
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if err := validate(&set); err != nil {
		return nil, err
	}
	if set.FollowUps.MaxItems <= 0 {
		set.FollowUps.MaxItems = 3
	}
	return &set, nil
}

func readTemplates() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(templatesPathEnv)); path != "" {
		return os.ReadFile(path)
	}
	return templatesFS.ReadFile("templates.yaml")
}

func validate(set *Set) error {
	required := map[string]string{
		"notices.answer_pending":     set.Notices.AnswerPending,
		"notices.answer_verified":    set.Notices.AnswerVerified,
		"notices.answer_wrong":       set.Notices.AnswerWrong,
		"expert.verification_prompt": set.Expert.VerificationPrompt,
		"expert.thank_you":           set.Expert.ThankYou,
		"expert.ask_correction":      set.Expert.AskCorrection,
		"expert.resend_prompt":       set.Expert.ResendPrompt,
		"expert.buttons.approve_id":  set.Expert.Buttons.ApproveID,
		"expert.buttons.reject_id":   set.Expert.Buttons.RejectID,
		"reactions.verified":         set.Reactions.Verified,
		"reactions.wrong":            set.Reactions.Wrong,
		"prompts.answer_system":      set.Prompts.AnswerSystem,
	}
	for key, val := range required {
		if strings.TrimSpace(val) == "" {
			return fmt.Errorf("templates: missing %s", key)
		}
	}
	return nil
}

// Render substitutes {{name}} placeholders in a template text.
func Render(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
