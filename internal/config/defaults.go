package config

// GetDefaultOpeningTemplate returns the template for the first user turn.
// The model must answer with a JSON object holding the question and a ground-truth reference.
func GetDefaultOpeningTemplate() string {
	return `You are simulating an employee named {{.EmployeeName}} who works in {{.Department}}.
They are contacting the internal {{.AssistantRole}} about "{{.Topic}}".
Conversation style: {{.Style}}.

Write the employee's opening question and the correct, factual answer from company policy.
Include at least one concrete detail in the answer (a number of days, an amount, a policy number or a form name).

Return ONLY a valid JSON object (no markdown, no additional text):
{"question": "<the employee's question>", "reference_answer": "<the correct answer>"}`
}

// GetDefaultAssistantSystemTemplate returns the system prompt for assistant turns
func GetDefaultAssistantSystemTemplate() string {
	return `You are the company's {{.AssistantRole}}. Answer the employee helpfully and concisely in 2-4 sentences.
Conversation style: {{.Style}}.
Ground every answer in this policy reference: {{.ReferenceAnswer}}
Reply with the message text only.`
}

// GetDefaultUserSystemTemplate returns the system prompt for follow-up user turns
func GetDefaultUserSystemTemplate() string {
	return `You are {{.EmployeeName}}, a {{.UserRole}} in {{.Department}}, chatting with the company's {{.AssistantRole}} about "{{.Topic}}".
Write your next message: a short, natural follow-up question or clarification in 1-2 sentences.
Reply with the message text only.`
}

// GetDefaultToxicityRewriteTemplate returns the instruction used to make a turn hostile
func GetDefaultToxicityRewriteTemplate() string {
	return `Rewrite the following support message so that it keeps exactly the same information and topic,
but the tone is rude, condescending and hostile toward the reader. Do not add new facts.
Reply with the rewritten message only.

MESSAGE:
{{.Text}}`
}

func defaultPersona() PersonaConfig {
	return PersonaConfig{
		UserRole:      "staff member",
		AssistantRole: "IT and HR helpdesk assistant",
		Style:         "professional, friendly, enterprise chat",
		Topics: []string{
			"VPN access from home",
			"expense report deadlines",
			"paid time off carry-over",
			"laptop replacement requests",
			"password reset procedure",
			"parental leave eligibility",
			"travel booking approvals",
		},
	}
}
