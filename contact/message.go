package contact

import (
	"fmt"
	"html/template"
	"strings"

	"github.com/yaswantsoni1128/webd/mailer"
)

const subjectPrefix = "Portfolio Contact: "

var htmlBody = template.Must(template.New("contact.html").Funcs(template.FuncMap{
	"lines": func(s string) []string { return strings.Split(s, "\n") },
}).Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #333; border-bottom: 3px solid #8b5cf6; padding-bottom: 10px;">New Contact Form Submission</h2>
  <div style="background-color: #f8fafc; padding: 20px; border-radius: 8px; margin: 20px 0;">
    <p><strong>Name:</strong> {{.Name}}</p>
    <p><strong>Email:</strong> <a href="mailto:{{.Email}}">{{.Email}}</a></p>
    <p><strong>Subject:</strong> {{.Subject}}</p>
  </div>
  <div style="background-color: #fff; padding: 20px; border-left: 4px solid #8b5cf6; margin: 20px 0;">
    <h3 style="color: #333; margin-top: 0;">Message:</h3>
    <p style="line-height: 1.6; color: #555;">{{range $i, $l := lines .Message}}{{if $i}}<br>{{end}}{{$l}}{{end}}</p>
  </div>
  <div style="text-align: center; margin-top: 30px; padding-top: 20px; border-top: 1px solid #e2e8f0; color: #64748b; font-size: 14px;">
    <p>This email was sent from your portfolio contact form.</p>
  </div>
</div>
`))

type htmlData struct {
	Name, Email, Subject, Message string
}

// Text renders the plain-text body.
func (s *Submission) Text(ref string) string {
	str := &strings.Builder{}
	fmt.Fprintf(str, "New contact form submission\n\n")
	fmt.Fprintf(str, "Name:    %s\n", s.Name())
	fmt.Fprintf(str, "Email:   %s\n", s.Email)
	fmt.Fprintf(str, "Subject: %s\n\n", s.Subject)
	fmt.Fprintf(str, "Message:\n%s\n\n", s.Message)
	fmt.Fprintf(str, "--\nThis email was sent from your portfolio contact form.\n")
	if ref != "" {
		fmt.Fprintf(str, "Reference: %s\n", ref)
	}
	return str.String()
}

// HTML renders the HTML body. Submission text is escaped.
func (s *Submission) HTML() (string, error) {
	str := &strings.Builder{}
	err := htmlBody.Execute(str, htmlData{Name: s.Name(), Email: s.Email, Subject: s.Subject, Message: s.Message})
	if err != nil {
		return "", fmt.Errorf("rendering html body: %w", err)
	}
	return str.String(), nil
}

// Mail addresses the submission to the operator. Replies go to the
// submitter.
func (s *Submission) Mail(from, to, ref string) (*mailer.Message, error) {
	html, err := s.HTML()
	if err != nil {
		return nil, err
	}
	return &mailer.Message{
		From:        from,
		To:          to,
		ReplyTo:     s.Email,
		ReplyToName: s.Name(),
		Subject:     subjectPrefix + s.Subject,
		Text:        s.Text(ref),
		HTML:        html,
		ReferenceID: ref,
	}, nil
}
