package waitlistapi

import "github.com/louhenhq/louhen-landing-sub000/cmd/internal/waitlist"

type utmPayload struct {
	Source   string `json:"source"`
	Medium   string `json:"medium"`
	Campaign string `json:"campaign"`
	Term     string `json:"term"`
	Content  string `json:"content"`
}

type signupRequest struct {
	Email   string      `json:"email"`
	Consent bool        `json:"consent"`
	Locale  string      `json:"locale,omitempty"`
	Ref     string      `json:"ref,omitempty"`
	UTM     *utmPayload `json:"utm,omitempty"`
}

// signupResponse never carries the record status: the same body is returned for
// new, pending and confirmed addresses.
type signupResponse struct {
	OK          bool   `json:"ok"`
	Code        string `json:"code,omitempty"`
	RefAccepted *bool  `json:"refAccepted,omitempty"`
}

type confirmResponse struct {
	State        string `json:"state"`
	ReferralCode string `json:"referralCode,omitempty"`
	ShareURL     string `json:"shareUrl,omitempty"`
}

type resendRequest struct {
	Email        string `json:"email"`
	CaptchaToken string `json:"captchaToken"`
}

type draftChildPayload struct {
	Name       string   `json:"name"`
	WeightKg   *float64 `json:"weightKg"`
	ShoeSizeEU *float64 `json:"shoeSizeEu"`
}

type draftPayload struct {
	ParentName string              `json:"parentName"`
	Children   []draftChildPayload `json:"children"`
	Notes      string              `json:"notes"`
}

type draftRequest struct {
	Email string       `json:"email"`
	Draft draftPayload `json:"draft"`
}

func (u *utmPayload) toUTM() *waitlist.UTM {
	if u == nil {
		return nil
	}
	return &waitlist.UTM{
		Source:   u.Source,
		Medium:   u.Medium,
		Campaign: u.Campaign,
		Term:     u.Term,
		Content:  u.Content,
	}
}

func (d draftPayload) toDraft() waitlist.Draft {
	out := waitlist.Draft{ParentName: d.ParentName, Notes: d.Notes}
	for _, c := range d.Children {
		out.Children = append(out.Children, waitlist.DraftChild{
			Name:       c.Name,
			WeightKg:   c.WeightKg,
			ShoeSizeEU: c.ShoeSizeEU,
		})
	}
	return out
}
