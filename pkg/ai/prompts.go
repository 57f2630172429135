package ai

// ExtractPrompt asks the model to pull entities and relationships out of a
// text segment. Placeholders: entity type list, entity type list again for
// the classification instruction.
const ExtractPrompt = `You are an information extraction system building a knowledge graph from documents.

Given the text below, identify:

1. All entities. For each entity provide:
- entity_name: the canonical name as used in the text
- entity_type: one of: %s
- entity_description: a comprehensive description of the entity's attributes and activities based only on the provided text
- entity_keywords: 1-5 short keywords characterizing the entity

2. All relationships between pairs of identified entities. For each relationship provide:
- source_entity: name of the source entity, exactly as listed in step 1
- target_entity: name of the target entity, exactly as listed in step 1
- relationship_type: a short lower-case phrase such as "works at" or "depends on"
- relationship_description: why the source and target are related, based only on the text
- relationship_keywords: 1-5 short keywords characterizing the relationship
- relationship_strength: a score between 0 and 1 indicating how strongly the text supports the relationship

Rules:
- Only report entities whose type is one of: %s
- Do not relate an entity to itself.
- Do not invent entities or relationships that are not supported by the text.
- Respond with strict JSON only.`

// GleanPrompt is appended as a follow-up turn after an extraction pass to
// recover entities and relationships the previous passes missed.
const GleanPrompt = `Some entities and relationships in the text may have been missed in your previous answer. Identify ONLY the missed ones, in the same JSON format. Do not repeat anything you already reported. If nothing was missed, return empty lists.`

// GleanContinuePrompt asks whether another gleaning pass is worthwhile.
// The model must answer with a single word.
const GleanContinuePrompt = `Are there still entities or relationships in the text that have not been reported yet? Answer "yes" or "no" only.`

// SummarizeDescriptionPrompt shortens an over-long merged description.
// Placeholders: the item name, the description.
const SummarizeDescriptionPrompt = `Summarize the following collection of description sentences about "%s" into a single concise description. Preserve all key facts, names, numbers and relationships. Do not add information.

Descriptions:
%s`

// KeywordExtractionPrompt splits a user query into thematic and specific
// keyword sets for hybrid retrieval. Placeholder: the query.
const KeywordExtractionPrompt = `Given the user query below, extract two keyword sets:
- high_level_keywords: broad themes and concepts the query is about
- low_level_keywords: specific entities, names, and terms that should appear in relevant text

Query: %s

Respond with strict JSON only.`

// AnswerPrompt instructs the model to answer from the assembled context.
// Placeholder: the context sections.
const AnswerPrompt = `You are a helpful assistant answering questions about a document collection.

Use ONLY the context below to answer. If the context does not contain the answer, say so. Answer in the language of the question.

Context:
%s`

// NoContextPrompt generates a response when retrieval found nothing
// relevant. Placeholder: the query.
const NoContextPrompt = `The knowledge base contains no information relevant to the following question. Politely tell the user that no relevant information was found, in the language of the question.

Question: %s`
