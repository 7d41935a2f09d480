package domain

// Metadata is the task-type-specific bag. Each variant is owned by the task
// type it belongs to; adapters populate only the variant matching the task
// they act on. Keys are only ever added or overwritten, never removed.
type Metadata struct {
	Signing    *SigningMeta    `json:"signing,omitempty"`
	Appraisal  *AppraisalMeta  `json:"appraisal,omitempty"`
	Upload     *UploadMeta     `json:"upload,omitempty"`
	Invitation *InvitationMeta `json:"invitation,omitempty"`
}

// SigningMeta belongs to document_signing tasks.
type SigningMeta struct {
	EnvelopeID        string `json:"envelope_id,omitempty"`
	SignerEmail       string `json:"signer_email,omitempty"`
	SignedArtifactURL string `json:"signed_artifact_url,omitempty"`
	SignedAt          string `json:"signed_at,omitempty"`
}

// AppraisalMeta belongs to appraisal_* tasks.
type AppraisalMeta struct {
	ValuationID     string   `json:"valuation_id,omitempty"`
	ValuationStatus string   `json:"valuation_status,omitempty"`
	ValuationAmount *float64 `json:"valuation_amount,omitempty"`
	ReportURL       string   `json:"report_url,omitempty"`
}

// UploadMeta belongs to document_upload tasks.
type UploadMeta struct {
	Folder string `json:"folder,omitempty"`
}

// InvitationMeta belongs to invitation tasks.
type InvitationMeta struct {
	Token        string `json:"token,omitempty"`
	InviteeEmail string `json:"invitee_email,omitempty"`
	Method       string `json:"method,omitempty"`
}

// Merge overlays non-zero fields of other onto m. Existing fields are
// overwritten when other provides a value; nothing is ever cleared.
func (m *Metadata) Merge(other Metadata) {
	if other.Signing != nil {
		if m.Signing == nil {
			m.Signing = &SigningMeta{}
		}
		mergeSigning(m.Signing, other.Signing)
	}
	if other.Appraisal != nil {
		if m.Appraisal == nil {
			m.Appraisal = &AppraisalMeta{}
		}
		mergeAppraisal(m.Appraisal, other.Appraisal)
	}
	if other.Upload != nil {
		if m.Upload == nil {
			m.Upload = &UploadMeta{}
		}
		if other.Upload.Folder != "" {
			m.Upload.Folder = other.Upload.Folder
		}
	}
	if other.Invitation != nil {
		if m.Invitation == nil {
			m.Invitation = &InvitationMeta{}
		}
		mergeInvitation(m.Invitation, other.Invitation)
	}
}

func mergeSigning(dst, src *SigningMeta) {
	if src.EnvelopeID != "" {
		dst.EnvelopeID = src.EnvelopeID
	}
	if src.SignerEmail != "" {
		dst.SignerEmail = src.SignerEmail
	}
	if src.SignedArtifactURL != "" {
		dst.SignedArtifactURL = src.SignedArtifactURL
	}
	if src.SignedAt != "" {
		dst.SignedAt = src.SignedAt
	}
}

func mergeAppraisal(dst, src *AppraisalMeta) {
	if src.ValuationID != "" {
		dst.ValuationID = src.ValuationID
	}
	if src.ValuationStatus != "" {
		dst.ValuationStatus = src.ValuationStatus
	}
	if src.ValuationAmount != nil {
		dst.ValuationAmount = src.ValuationAmount
	}
	if src.ReportURL != "" {
		dst.ReportURL = src.ReportURL
	}
}

func mergeInvitation(dst, src *InvitationMeta) {
	if src.Token != "" {
		dst.Token = src.Token
	}
	if src.InviteeEmail != "" {
		dst.InviteeEmail = src.InviteeEmail
	}
	if src.Method != "" {
		dst.Method = src.Method
	}
}

// EnvelopeID returns the bound signing envelope id, if any.
func (m Metadata) EnvelopeID() string {
	if m.Signing == nil {
		return ""
	}
	return m.Signing.EnvelopeID
}

// ValuationID returns the bound external valuation id, if any.
func (m Metadata) ValuationID() string {
	if m.Appraisal == nil {
		return ""
	}
	return m.Appraisal.ValuationID
}
