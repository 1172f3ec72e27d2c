package prompt

import "github.com/felipepmaragno/seo-llm-proxy/internal/domain"

var templates = map[string]Template{
	"keyword-research": {
		ID:   "keyword-research",
		Task: domain.TaskKeywordAnalysis,
		SystemPrompt: "You are an SEO keyword research specialist working in the {{industry}} industry. " +
			"You identify search intent, estimate competition and group keywords into topical clusters. " +
			"Answer with a JSON array of objects with the fields keyword, intent, difficulty, volume_estimate and cluster.",
		UserPrompt: "Analyse the following seed keywords: {{keywords}}\n" +
			"Industry: {{industry}}\n" +
			"Target audience: {{audience}}\n" +
			"Suggest related long-tail keywords and rank them by opportunity.\n" +
			"Additional context: {{additionalContext}}",
	},
	"content-analysis": {
		ID:   "content-analysis",
		Task: domain.TaskContentGeneration,
		SystemPrompt: "You are an SEO content editor. You evaluate content for readability, keyword usage, " +
			"topical depth and on-page optimisation and give concrete, prioritised recommendations.",
		UserPrompt: "Target keyword: {{targetKeyword}}\n" +
			"Page URL: {{url}}\n" +
			"Evaluate this content and list the top improvements:\n\n{{content}}",
	},
	"technical-seo-audit": {
		ID:   "technical-seo-audit",
		Task: domain.TaskTechnicalSEO,
		SystemPrompt: "You are a technical SEO auditor. You explain crawlability, indexation, performance and " +
			"structured data problems and rank each finding by severity (critical, warning, notice).",
		UserPrompt: "Audit findings for {{url}}:\n{{findings}}\n\n" +
			"Explain each issue, its impact on rankings and how to fix it.",
	},
	"content-generation": {
		ID:   "content-generation",
		Task: domain.TaskContentGeneration,
		SystemPrompt: "You are an expert SEO copywriter. Write in a {{tone}} tone for {{audience}}. " +
			"Use the primary keyword naturally in the title, the first paragraph and at least one subheading.",
		UserPrompt: "Write a {{contentType}} of about {{wordCount}} words about \"{{topic}}\".\n" +
			"Primary keyword: {{primaryKeyword}}\n" +
			"Secondary keywords: {{secondaryKeywords}}",
	},
	"seo-strategy": {
		ID:   "seo-strategy",
		Task: domain.TaskStrategy,
		SystemPrompt: "You are a senior SEO strategist. You build pragmatic quarterly roadmaps " +
			"grounded in the site's current position and competitors.",
		UserPrompt: "Website: {{website}}\n" +
			"Industry: {{industry}}\n" +
			"Business goals: {{goals}}\n" +
			"Main competitors: {{competitors}}\n" +
			"Propose a prioritised 90-day SEO strategy.",
	},
	"meta-description": {
		ID:   "meta-description",
		Task: domain.TaskContentGeneration,
		SystemPrompt: "You write meta titles and descriptions. Titles stay under 60 characters and " +
			"descriptions under 155 characters.",
		UserPrompt: "Page topic: {{topic}}\nPrimary keyword: {{primaryKeyword}}\n" +
			"Write three title and description pairs.",
	},
	"content-summary": {
		ID:           "content-summary",
		Task:         domain.TaskSummarization,
		SystemPrompt: "You summarise web pages for SEO briefs in plain language.",
		UserPrompt:   "Summarise the following page in {{length}} bullet points:\n\n{{content}}",
	},
}
