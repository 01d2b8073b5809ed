package queue

// SubmissionRequest is the body of POST /waitlist/submit
type SubmissionRequest struct {
	Email            string                 `json:"email" validate:"required,email,max=254"`
	FirstName        string                 `json:"firstName" validate:"required,max=100"`
	LastName         string                 `json:"lastName,omitempty" validate:"omitempty,max=100"`
	Role             string                 `json:"role" validate:"required,max=100"`
	CompanyOrProject string                 `json:"companyOrProject,omitempty" validate:"omitempty,max=200"`
	ReferralCode     string                 `json:"referralCode,omitempty" validate:"omitempty,max=64"`
	Meta             map[string]interface{} `json:"meta"`
}

// SharePlatform names a target for a referral share
type SharePlatform string

const (
	PlatformTwitter  SharePlatform = "twitter"
	PlatformLinkedIn SharePlatform = "linkedin"
	PlatformFacebook SharePlatform = "facebook"
	PlatformEmail    SharePlatform = "email"
	PlatformWhatsApp SharePlatform = "whatsapp"
	PlatformCopy     SharePlatform = "copy"
)

// ShareRequest is the body of POST /waitlist/share
type ShareRequest struct {
	ReferralCode  string        `json:"referralCode" validate:"required,max=64"`
	Platform      SharePlatform `json:"platform" validate:"required,oneof=twitter linkedin facebook email whatsapp copy"`
	CustomMessage string        `json:"customMessage,omitempty" validate:"omitempty,max=280"`
}

type positionRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type verifyRequest struct {
	Token string `json:"token" validate:"required"`
}
