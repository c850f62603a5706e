package rag

import (
	"fmt"
	"strings"
)

const kccPrompt = `You are an expert agricultural assistant. Based on the following advisory data, answer the farmer's question in fluent English. Limit your response to a maximum of 5 bullet points.

---
Context:
%s
---
Question:
%s

Answer:`

const internetPrompt = `You are an agricultural assistant. Summarize and explain the following web results in fluent English, as a direct answer to the user's question.

---
Web Search Results:
%s
---
Question:
%s

Answer:`

const llmPrompt = `You are an expert agricultural assistant. No data was found in the dataset or online. Based on your general agricultural knowledge, provide a helpful answer in fluent English. Limit to 5 bullet points.

Question:
%s

Answer:`

// contextSeparator joins KCC records inside the prompt.
const contextSeparator = "\n---\n"

func buildKCCPrompt(question string, records []string) string {
	return fmt.Sprintf(kccPrompt, strings.Join(records, contextSeparator), question)
}

func buildInternetPrompt(question, results string) string {
	return fmt.Sprintf(internetPrompt, results, question)
}

func buildLLMPrompt(question string) string {
	return fmt.Sprintf(llmPrompt, question)
}
