package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionRecordRoundTrip(t *testing.T) {
	records := map[string]SubmissionRecord{
		"empty feedback": {
			ID:             "0190f5a4-7c2e-7d55-9d1e-3d3c1a2b4c5d",
			ResumePath:     "resumes/resume/u1/resume.pdf",
			ImagePath:      "resume-images/image/u1/resume.png",
			CompanyName:    "Acme",
			JobTitle:       "Engineer",
			JobDescription: "Build \"things\"\nwith Go",
		},
		"populated feedback": {
			ID:          "0190f5a4-7c2e-7d55-9d1e-3d3c1a2b4c5e",
			CompanyName: "Acme",
			Feedback: &Feedback{
				OverallScore: 72,
				Suggestions: []Suggestion{
					{Kind: SuggestionPositive, Tip: "Clear layout"},
					{Kind: SuggestionImprovement, Tip: "Quantify impact"},
				},
			},
		},
	}

	for name, original := range records {
		t.Run(name, func(t *testing.T) {
			data, err := json.Marshal(original)
			require.NoError(t, err)

			var decoded SubmissionRecord
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, original, decoded)
		})
	}
}

func TestSubmissionRecordEmptyFeedbackIsEmptyString(t *testing.T) {
	data, err := json.Marshal(SubmissionRecord{ID: "x"})
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, "", generic["feedback"])
	assert.Equal(t, "x", generic["id"])
}

func TestSubmissionRecordAcceptsLegacyShapes(t *testing.T) {
	legacy := `{"id":"a","resumePath":"p","imagePath":"i","companyName":"Acme","jobTitle":"Eng","jobDescription":"jd",
		"feedback":{"overallScore":55,"suggestions":[{"type":"good","tip":"ok"},{"type":"improve","tip":"more"}]}}`

	var rec SubmissionRecord
	require.NoError(t, json.Unmarshal([]byte(legacy), &rec))
	require.True(t, rec.HasFeedback())
	assert.Equal(t, 55, rec.Feedback.OverallScore)
	assert.Equal(t, SuggestionPositive, rec.Feedback.Suggestions[0].Kind)
	assert.Equal(t, SuggestionImprovement, rec.Feedback.Suggestions[1].Kind)

	var nullFeedback SubmissionRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":"b","feedback":null}`), &nullFeedback))
	assert.False(t, nullFeedback.HasFeedback())

	var missing SubmissionRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c"}`), &missing))
	assert.False(t, missing.HasFeedback())
}

func TestSubmissionRecordRejectsUnknownSuggestionKind(t *testing.T) {
	var rec SubmissionRecord
	err := json.Unmarshal([]byte(`{"id":"a","feedback":{"overallScore":1,"suggestions":[{"kind":"meh","tip":"?"}]}}`), &rec)
	assert.Error(t, err)
}

func TestFeedbackValidate(t *testing.T) {
	assert.NoError(t, (&Feedback{OverallScore: 0}).Validate())
	assert.NoError(t, (&Feedback{OverallScore: 100}).Validate())
	assert.Error(t, (&Feedback{OverallScore: -1}).Validate())
	assert.Error(t, (&Feedback{OverallScore: 101}).Validate())
	var nilFeedback *Feedback
	assert.Error(t, nilFeedback.Validate())
}

func TestImageNameFor(t *testing.T) {
	cases := map[string]string{
		"resume.pdf":          "resume.png",
		"my.resume.v2.PDF":    "my.resume.v2.png",
		"resume":              "resume.png",
		"/tmp/uploads/cv.pdf": "cv.png",
		"":                    "document.png",
	}
	for in, want := range cases {
		assert.Equal(t, want, ImageNameFor(in), "input %q", in)
	}
}
