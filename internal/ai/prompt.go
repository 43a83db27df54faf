package ai

import (
	"fmt"

	"github.com/doklado/document-pipeline/internal/classify"
)

// targetSchema is the JSON shape every model must return. It mirrors the
// canonical StructuredRecord exactly so parsing stays mechanical.
const targetSchema = `{
  "document_type": "invoice|receipt|contract|other",
  "invoice_number": "string or null",
  "date_issued": "YYYY-MM-DD or null",
  "due_date": "YYYY-MM-DD or null",
  "total_amount": {"value": number, "currency": "ISO-4217 code"} or null,
  "vendor": {"name": "...", "registration_number": "...", "tax_number": "...", "address": "..."} or null,
  "customer": {"name": "...", "registration_number": "...", "tax_number": "...", "address": "..."} or null,
  "line_items": [{"description": "...", "quantity": number, "unit_price": number, "total_price": number}],
  "tax_info": {"rate": number, "amount": number, "base": number} or null
}`

// BuildPrompt constructs the deterministic structuring prompt. Same inputs
// always produce the same prompt, so retries and tests are reproducible.
func BuildPrompt(rawText string, cls classify.Result) string {
	langHint := "The document is in English."
	if cls.Language == classify.LangLocal {
		langHint = "The document is in Czech. Numbers use comma as the decimal separator and space as the thousands separator (e.g. \"24 200,00 Kč\" means 24200.00 CZK). \"IČO\"/\"IČ\" is the registration number, \"DIČ\" is the tax number, \"variabilní symbol\" often repeats the invoice number."
	}

	return fmt.Sprintf(`You are an expert at reading business documents (invoices, receipts, contracts).
Extract structured data from the OCR text below.

%s
The document was pre-classified as "%s".

## RULES
1. NEVER invent data. Use null for anything you cannot read in the text.
2. Dates must be ISO-8601 (YYYY-MM-DD). Convert formats like "21.07.2024" to "2024-07-21".
3. Amounts are plain numbers with a dot decimal separator, no thousands separators, no currency symbols.
4. Currency is the ISO-4217 code: "Kč"/"CZK" -> "CZK", "€" -> "EUR", "$" -> "USD".
5. registration_number contains digits only; strip spaces and punctuation.
6. The vendor is the party that issued the document; the customer is the party that pays.
7. Do not compute missing amounts from other amounts.

Respond with ONLY a JSON object matching this schema exactly (no markdown, no commentary):

%s

## DOCUMENT TEXT
%s`, langHint, cls.DocType, targetSchema, rawText)
}

// strictReminder is appended on the retry after a parse failure.
const strictReminder = `

## REMINDER
Your previous answer was not valid JSON. Respond with EXACTLY one JSON object.
No markdown fences, no leading or trailing prose, properly escaped strings.`

// BuildRetryPrompt is the second-attempt prompt after llm_parse_failed.
func BuildRetryPrompt(rawText string, cls classify.Result) string {
	return BuildPrompt(rawText, cls) + strictReminder
}
