package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules holds the phrase lists and reply templates that drive the
// handover engine, the keyword planner and the synthesizer.
type Rules struct {
	UserRequestPhrases  []string `yaml:"user_request_phrases" json:"user_request_phrases"`
	CriticalPhrases     []string `yaml:"critical_phrases" json:"critical_phrases"`
	FrustrationPhrases  []string `yaml:"frustration_phrases" json:"frustration_phrases"`
	NegativePhrases     []string `yaml:"negative_phrases" json:"negative_phrases"`
	HighSeverityPhrases []string `yaml:"high_severity_phrases" json:"high_severity_phrases"`

	// IntentKeywords maps intent -> language -> keywords.
	IntentKeywords map[string]map[string][]string `yaml:"intent_keywords" json:"intent_keywords"`

	// IssueCategories maps category -> keywords used to categorize an issue report.
	IssueCategories map[string][]string `yaml:"issue_categories" json:"issue_categories"`

	// ResolvedPhrases and UnresolvedPhrases classify feedback on troubleshooting steps.
	ResolvedPhrases   []string `yaml:"resolved_phrases" json:"resolved_phrases"`
	UnresolvedPhrases []string `yaml:"unresolved_phrases" json:"unresolved_phrases"`

	// Troubleshooting maps category -> list of alternative step sets.
	Troubleshooting map[string][][]string `yaml:"troubleshooting" json:"troubleshooting"`

	// Templates maps language -> template key -> variants.
	Templates map[string]map[string][]string `yaml:"templates" json:"templates"`
}

// LoadRules reads a YAML (or JSON) rules file and overlays it on the
// defaults. An empty path returns the defaults.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var overlay Rules
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		if jsonErr := json.Unmarshal(data, &overlay); jsonErr != nil {
			return nil, fmt.Errorf("parse rules (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}

	rules.merge(&overlay)
	return rules, nil
}

func (r *Rules) merge(o *Rules) {
	if len(o.UserRequestPhrases) > 0 {
		r.UserRequestPhrases = o.UserRequestPhrases
	}
	if len(o.CriticalPhrases) > 0 {
		r.CriticalPhrases = o.CriticalPhrases
	}
	if len(o.FrustrationPhrases) > 0 {
		r.FrustrationPhrases = o.FrustrationPhrases
	}
	if len(o.NegativePhrases) > 0 {
		r.NegativePhrases = o.NegativePhrases
	}
	if len(o.HighSeverityPhrases) > 0 {
		r.HighSeverityPhrases = o.HighSeverityPhrases
	}
	if len(o.ResolvedPhrases) > 0 {
		r.ResolvedPhrases = o.ResolvedPhrases
	}
	if len(o.UnresolvedPhrases) > 0 {
		r.UnresolvedPhrases = o.UnresolvedPhrases
	}
	for intent, byLang := range o.IntentKeywords {
		r.IntentKeywords[intent] = byLang
	}
	for category, words := range o.IssueCategories {
		r.IssueCategories[category] = words
	}
	for category, sets := range o.Troubleshooting {
		r.Troubleshooting[category] = sets
	}
	for lang, byKey := range o.Templates {
		if r.Templates[lang] == nil {
			r.Templates[lang] = make(map[string][]string)
		}
		for key, variants := range byKey {
			r.Templates[lang][key] = variants
		}
	}
}

// DefaultRules returns the built-in Thai/English rule set.
func DefaultRules() *Rules {
	return &Rules{
		UserRequestPhrases: []string{
			"คุยกับเจ้าหน้าที่", "ขอคุยกับคน", "ติดต่อแอดมิน", "ขอสายเจ้าหน้าที่", "ขอคุยกับแอดมิน",
			"talk to a human", "human agent", "real person", "speak to someone", "talk to an agent", "customer service",
		},
		CriticalPhrases: []string{
			"ขอเงินคืน", "คืนเงิน", "ฟ้อง", "ทนาย", "กฎหมาย", "โดนแบน", "ถูกแบน", "ถูกแฮก", "โดนแฮก", "บัญชีถูกขโมย", "ข้อมูลส่วนตัว",
			"refund", "chargeback", "lawyer", "legal", "lawsuit", "banned", "ban ", "hacked", "account compromised", "stolen account", "privacy",
		},
		FrustrationPhrases: []string{
			"!!!", "???", "ไม่ได้เรื่อง", "แย่มาก", "โมโห", "หงุดหงิด", "เสียเวลา", "ห่วย", "อีกแล้ว",
			"useless", "terrible", "ridiculous", "waste of time", "again", "wtf", "angry", "annoyed",
		},
		NegativePhrases: []string{
			"แย่", "ไม่ดี", "ห่วย", "โมโห", "เกลียด", "ผิดหวัง", "โกรธ",
			"bad", "awful", "hate", "worst", "angry", "disappointed", "furious", "terrible",
		},
		HighSeverityPhrases: []string{
			"ถูกแฮก", "โดนแฮก", "บัญชีหาย", "ไอเทมหาย", "ถูกขโมย",
			"hacked", "compromised", "stolen", "lost my account", "items missing",
		},
		IntentKeywords: map[string]map[string][]string{
			"greeting": {
				"th": {"สวัสดี", "หวัดดี", "ฮัลโหล", "ดีครับ", "ดีค่ะ"},
				"en": {"hello", "hi ", "hey", "good morning", "good afternoon"},
			},
			"goodbye": {
				"th": {"ลาก่อน", "บาย", "ขอบคุณ", "แล้วเจอกัน"},
				"en": {"bye", "goodbye", "thanks", "thank you", "see you"},
			},
			"get_launch_date": {
				"th": {"เปิดเมื่อไหร่", "เปิดวันไหน", "เปิดให้เล่น", "วันเปิด", "เปิดตัว", "เปิดเซิร์ฟ"},
				"en": {"launch", "release date", "when does the game open", "when will the game", "open date"},
			},
			"game_info": {
				"th": {"วิธี", "ยังไง", "อาชีพ", "ระบบ", "ไอเทม", "กิจกรรม", "อีเวนท์", "สเปค"},
				"en": {"how to", "how do i", "class", "event", "item", "requirements", "spec"},
			},
			"report_issue": {
				"th": {"ปัญหา", "เข้าเกมไม่ได้", "ค้าง", "หลุด", "บัค", "เติมเงินไม่เข้า", "ล็อกอินไม่ได้", "เล่นไม่ได้"},
				"en": {"problem", "issue", "bug", "crash", "can't login", "cannot login", "not working", "lag", "error"},
			},
			"request_ticket": {
				"th": {"แจ้งเรื่อง", "เปิดเคส"},
				"en": {"open a ticket", "file a ticket", "support ticket"},
			},
			"complaint": {
				"th": {"ร้องเรียน", "ไม่พอใจ", "บริการแย่"},
				"en": {"complaint", "complain", "unacceptable", "poor service"},
			},
		},
		IssueCategories: map[string][]string{
			"billing":    {"เติมเงิน", "ชำระ", "จ่ายเงิน", "บัตรเครดิต", "ใบเสร็จ", "payment", "top up", "topup", "charged", "billing", "purchase", "receipt"},
			"ban_appeal": {"แบน", "ระงับ", "ban", "suspended", "blocked"},
			"technical":  {"เข้าเกมไม่ได้", "ค้าง", "หลุด", "บัค", "ล็อกอิน", "แลค", "crash", "bug", "login", "lag", "error", "freeze", "disconnect"},
		},
		ResolvedPhrases: []string{
			"RESOLVED", "แก้ได้แล้ว", "ได้แล้ว", "หายแล้ว", "เรียบร้อย", "ใช้ได้แล้ว",
			"resolved", "fixed", "it works", "working now", "solved",
		},
		UnresolvedPhrases: []string{
			"NOT_RESOLVED", "ยังไม่ได้", "ไม่ได้", "ยังเหมือนเดิม", "ไม่หาย",
			"not resolved", "still", "didn't work", "doesn't work", "not fixed", "no luck",
		},
		Troubleshooting: map[string][][]string{
			"technical": {
				{"ปิดเกมแล้วเปิดใหม่ / Restart the game", "ตรวจสอบอินเทอร์เน็ต / Check your connection", "อัปเดตเกมเป็นเวอร์ชันล่าสุด / Update to the latest version"},
				{"ล้างแคชของเกม / Clear the game cache", "ติดตั้งเกมใหม่ / Reinstall the game", "ลองเปลี่ยนเครือข่าย / Try another network"},
			},
			"ban_appeal": {
				{"ตรวจสอบอีเมลแจ้งเหตุผลการแบน / Check the ban notice email", "เตรียมรหัสผู้เล่นและหลักฐาน / Prepare your player ID and evidence"},
				{"ส่งคำร้องผ่านแบบฟอร์มอุทธรณ์ / Submit the appeal form", "รอผลภายใน 3 วันทำการ / Allow 3 business days"},
			},
			"general": {
				{"ออกจากระบบแล้วเข้าใหม่ / Log out and back in", "ตรวจสอบประกาศล่าสุดบนเพจ / Check the latest page announcements"},
				{"รีสตาร์ทอุปกรณ์ / Restart your device", "ลองอีกครั้งในภายหลัง / Try again later"},
			},
		},
		Templates: map[string]map[string][]string{
			"th": {
				"greeting":                  {"สวัสดีครับ! มีอะไรให้ช่วยเหลือไหมครับ", "หวัดดีครับ ยินดีให้บริการครับ"},
				"goodbye":                   {"ขอบคุณครับ! มีอะไรทักมาได้เสมอนะครับ", "แล้วเจอกันใหม่ครับ"},
				"get_launch_date":           {"เกมจะเปิดให้บริการวันที่ {date} ครับ", "วันเปิดเกมคือ {date} ครับ เตรียมตัวให้พร้อมนะครับ"},
				"game_info":                 {"{answer}", "ข้อมูลที่พบ: {answer}"},
				"request_ticket":            {"รับเรื่องเรียบร้อยครับ หมายเลขเคส {ticket_id}", "เปิดเคส {ticket_id} ให้แล้วครับ ทีมงานจะติดต่อกลับ"},
				"complaint":                 {"ขออภัยในความไม่สะดวกครับ ทีมงานจะนำไปปรับปรุงครับ", "ขอโทษด้วยครับ เราจะแก้ไขให้ดีขึ้นครับ"},
				"unknown":                   {"ขออภัยครับ ผมยังไม่เข้าใจคำถาม ช่วยอธิบายเพิ่มเติมได้ไหมครับ", "รบกวนอธิบายเพิ่มอีกนิดได้ไหมครับ"},
				"partial_failure":           {"(บางข้อมูลยังดึงไม่ได้ในขณะนี้)"},
				"all_failed":                {"ขออภัยครับ ตอนนี้ระบบยังดึงข้อมูลไม่ได้ กรุณาลองใหม่อีกครั้งครับ", "ขออภัยครับ ข้อมูลยังไม่พร้อม ลองถามใหม่อีกครั้งนะครับ"},
				"apology":                   {"ขออภัยครับ เกิดข้อผิดพลาด ทีมงานจะเข้ามาช่วยดูแลโดยเร็วครับ"},
				"handover.critical_keyword": {"เรื่องนี้สำคัญครับ ส่งต่อให้เจ้าหน้าที่ดูแลแล้ว หมายเลขเคส {ticket_id}"},
				"handover.user_request":     {"กำลังโอนให้เจ้าหน้าที่ครับ หมายเลขเคส {ticket_id}"},
				"handover.negative_emotion": {"ขออภัยที่ทำให้ไม่พอใจครับ เจ้าหน้าที่จะเข้ามาดูแลต่อ หมายเลขเคส {ticket_id}"},
				"handover.agent_confusion":  {"ขออภัยครับ ขอส่งต่อให้เจ้าหน้าที่ช่วยดูแลต่อ หมายเลขเคส {ticket_id}"},
				"handover.pending":          {"เจ้าหน้าที่กำลังเข้ามาดูแลครับ หมายเลขเคส {ticket_id}"},
				"handover.no_ticket":        {"กำลังส่งต่อให้เจ้าหน้าที่ดูแลครับ ทีมงานจะติดต่อกลับโดยเร็วครับ"},
				"issue.ask_details":         {"รบกวนเล่ารายละเอียดปัญหาเพิ่มเติมครับ เช่น เกิดขึ้นตอนไหน และมีข้อความแจ้งเตือนอะไร"},
				"issue.steps":               {"ลองทำตามขั้นตอนนี้ครับ:\n{steps}\nแก้ได้หรือยังครับ?"},
				"issue.retry_steps":         {"ลองวิธีอื่นดูครับ:\n{steps}\nตอนนี้แก้ได้หรือยังครับ?"},
				"issue.ask_feedback":        {"ปัญหาแก้ได้หรือยังครับ?"},
				"issue.resolved":            {"ดีใจที่แก้ได้แล้วครับ! มีอะไรทักมาได้เสมอนะครับ"},
				"issue.ticket_created":      {"รับเรื่องแล้วครับ เปิดเคส {ticket_id} ให้เจ้าหน้าที่ดูแลเป็นพิเศษครับ"},
				"issue.qr_resolved":         {"แก้ได้แล้ว"},
				"issue.qr_not_resolved":     {"ยังไม่ได้"},
			},
			"en": {
				"greeting":                  {"Hi there! How can I help you today?", "Hello! What can I do for you?"},
				"goodbye":                   {"Thanks! Reach out anytime.", "See you next time!"},
				"get_launch_date":           {"The game launches on {date}.", "Launch day is {date}. Get ready!"},
				"game_info":                 {"{answer}", "Here is what I found: {answer}"},
				"request_ticket":            {"Got it. Your case number is {ticket_id}.", "I opened case {ticket_id}; our team will follow up."},
				"complaint":                 {"Sorry for the trouble. We'll work on it.", "I apologize for that. We'll do better."},
				"unknown":                   {"Sorry, I didn't quite get that. Could you tell me more?", "Could you explain a bit more?"},
				"partial_failure":           {"(Some information could not be retrieved right now.)"},
				"all_failed":                {"Sorry, I can't fetch that information right now. Please try again shortly.", "That information isn't available at the moment. Please ask again later."},
				"apology":                   {"Sorry, something went wrong. A team member will help you shortly."},
				"handover.critical_keyword": {"This needs a specialist. I've passed it to our team, case {ticket_id}."},
				"handover.user_request":     {"Connecting you with a team member now. Case {ticket_id}."},
				"handover.negative_emotion": {"I'm sorry for the frustration. A team member will take over, case {ticket_id}."},
				"handover.agent_confusion":  {"Let me bring in a team member to help, case {ticket_id}."},
				"handover.pending":          {"A team member will be with you shortly. Case {ticket_id}."},
				"handover.no_ticket":        {"Connecting you with a team member now. They will follow up shortly."},
				"issue.ask_details":         {"Please describe the problem in more detail: when does it happen and what message do you see?"},
				"issue.steps":               {"Please try these steps:\n{steps}\nDid that fix it?"},
				"issue.retry_steps":         {"Let's try something else:\n{steps}\nIs it working now?"},
				"issue.ask_feedback":        {"Did that solve the problem?"},
				"issue.resolved":            {"Glad it's working now! Reach out anytime."},
				"issue.ticket_created":      {"Thanks. I've opened priority case {ticket_id} for our team."},
				"issue.qr_resolved":         {"Fixed"},
				"issue.qr_not_resolved":     {"Not yet"},
			},
		},
	}
}
