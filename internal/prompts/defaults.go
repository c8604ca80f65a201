package prompts

import (
	"fmt"
	"strings"
)

// Template names.
const (
	SystemBase           = "system_base"
	RAGSynthesis         = "rag_synthesis"
	Planning             = "planning"
	IntentAnalysis       = "intent_analysis"
	Summarize            = "summarize"
	Translate            = "translate"
	Analyze              = "analyze"
	Evaluate             = "evaluate"
	Decide               = "decide"
	Synthesize           = "synthesize"
	ReporteAcademico     = "reporte_academico"
	ComunicadoApoderados = "comunicado_apoderados"
	ActaReunion          = "acta_reunion"
)

// NoInformation is the answer given when the documents do not cover a question.
const NoInformation = "No tengo esa información en los documentos disponibles del colegio."

// DocumentTemplates are the templates the writing tool can generate.
var DocumentTemplates = []string{ReporteAcademico, ComunicadoApoderados, ActaReunion}

func defaultTemplates() []*Template {
	return []*Template{
		{
			Name:        SystemBase,
			Description: "Base system prompt for the institutional assistant",
			Content: `Eres SchoolBot, el asistente virtual oficial del Colegio San Ignacio Digital.

INFORMACIÓN INSTITUCIONAL:
- Institución: Colegio San Ignacio Digital
- Ubicación: Santiago, Chile
- Tipo: Particular subvencionado
- Estudiantes: Más de 600 alumnos
- Enfoque: Integración tecnológica educativa

INSTRUCCIONES PRINCIPALES:
1. Responde de forma clara, breve y respetuosa
2. Usa ÚNICAMENTE información de los documentos internos del colegio
3. Mantén un tono profesional pero cercano
4. Dirige a la secretaría para consultas que requieran información personal
5. Si no tienes información suficiente, indica claramente: "` + NoInformation + `"

CONTEXTO EDUCATIVO:
- Horarios: Lunes a Viernes, 8:00-16:00 horas
- Idioma: Español chileno con terminología educativa local
- Usuarios: Estudiantes, apoderados, profesores, personal administrativo

FORMATO DE RESPUESTA:
- Inicia con un saludo apropiado
- Proporciona la información solicitada de manera clara
- Cita la fuente cuando sea relevante
- Termina con una oferta de ayuda adicional`,
		},
		{
			Name:        RAGSynthesis,
			Description: "Answer a question from retrieved documents",
			Content: `DOCUMENTOS RECUPERADOS:
{{documents}}
PREGUNTA DEL USUARIO: {{question}}

INSTRUCCIONES:
1. Usa ÚNICAMENTE la información de los documentos recuperados arriba
2. Redacta una respuesta de máximo 150 palabras
3. Cita las fuentes entre corchetes [Fuente X]
4. Si la información no está en los documentos, indica claramente que no tienes esa información
5. Mantén un tono profesional y educativo
6. Responde en español chileno

RESPUESTA:`,
		},
		{
			Name:        Planning,
			Description: "Ask for a step-by-step plan",
			Content: `Eres un experto en planificación de tareas para un agente inteligente escolar.

SOLICITUD: {{request}}

ANÁLISIS:
- Complejidad: {{complexity}}
- Intención: {{intent}}
- Herramientas necesarias: {{tools}}

CONTEXTO:
- Tipo de usuario: {{user_type}}
- Complejidad de tarea: {{task_complexity}}

HERRAMIENTAS DISPONIBLES:
{{tools_info}}

INSTRUCCIONES:
Crea un plan paso a paso para resolver la solicitud. Cada paso debe incluir:
1. Descripción clara de la acción
2. Herramienta a utilizar
3. Parámetros necesarios
4. Dependencias con otros pasos
5. Duración estimada en segundos
6. Prioridad (1-5)

FORMATO DE RESPUESTA:
Paso 1: [Descripción]
- Herramienta: [nombre_herramienta]
- Acción: [acción_específica]
- Parámetros: [parámetros_json]
- Dependencias: [lista_dependencias]
- Duración: [segundos]
- Prioridad: [1-5]

Paso 2: [Descripción]
...

RESPUESTA:`,
		},
		{
			Name:        IntentAnalysis,
			Description: "Classify a request as JSON",
			Content: `Analiza la intención de la siguiente solicitud en el contexto educativo:

SOLICITUD: "{{request}}"

Determina:
1. Intención principal (consulta, solicitud, queja, sugerencia, etc.)
2. Complejidad (simple, moderada, compleja)
3. Tipo de respuesta esperada (informativa, procedimental, analítica)
4. Urgencia (baja, media, alta)

Responde en formato JSON:
{
    "intent": "tipo_de_intencion",
    "complexity": "nivel_de_complejidad",
    "response_type": "tipo_de_respuesta",
    "urgency": "nivel_de_urgencia"
}`,
		},
		{
			Name:        Summarize,
			Description: "Summarize text",
			Content: `Resume el siguiente texto en máximo {{max_length}} palabras, manteniendo la información más importante:

{{text}}

RESUMEN:`,
		},
		{
			Name:        Translate,
			Description: "Translate text",
			Content: `Traduce el siguiente texto al {{target_language}}, manteniendo el contexto educativo:

{{text}}

TRADUCCIÓN:`,
		},
		{
			Name:        Analyze,
			Description: "Structured analysis of information",
			Content: `Analiza la siguiente información desde una perspectiva educativa escolar:

INFORMACIÓN:
{{information}}

TIPO DE ANÁLISIS: {{analysis_type}}

Proporciona un análisis estructurado que incluya:
1. Puntos clave identificados
2. Implicaciones para el contexto escolar
3. Recomendaciones basadas en la información
4. Posibles áreas de mejora

ANÁLISIS:`,
		},
		{
			Name:        Evaluate,
			Description: "Evaluate options against criteria",
			Content: `Evalúa las siguientes opciones considerando el contexto educativo escolar:

OPCIONES:
{{options}}

CRITERIOS DE EVALUACIÓN:
{{criteria}}

CONTEXTO:
{{context}}

Proporciona una evaluación estructurada que incluya:
1. Análisis de cada opción
2. Pros y contras
3. Recomendación final
4. Justificación de la decisión

EVALUACIÓN:`,
		},
		{
			Name:        Decide,
			Description: "Recommend a decision",
			Content: `Toma una decisión informada considerando el contexto educativo:

SITUACIÓN:
{{situation}}

OPCIONES DISPONIBLES:
{{options}}

RESTRICCIONES:
{{constraints}}

Proporciona una decisión estructurada que incluya:
1. Decisión recomendada
2. Razones principales
3. Consideraciones adicionales
4. Plan de implementación

DECISIÓN:`,
		},
		{
			Name:        Synthesize,
			Description: "Merge step results into one answer",
			Content: `Sintetiza los siguientes resultados en una respuesta coherente y completa:

SOLICITUD ORIGINAL:
{{original_request}}

RESULTADOS OBTENIDOS:
{{results}}

Proporciona una síntesis que incluya:
1. Resumen de los hallazgos principales
2. Información más relevante
3. Conclusiones clave
4. Recomendaciones finales

SÍNTESIS:`,
		},
		{
			Name:        ReporteAcademico,
			Description: "Academic report for a student",
			Required:    []string{"estudiante", "curso", "periodo", "resumen_academico"},
			Content: `REPORTE ACADÉMICO - COLEGIO SAN IGNACIO DIGITAL

Fecha: {{fecha}}
Estudiante: {{estudiante}}
Curso: {{curso}}
Período: {{periodo}}

RESUMEN ACADÉMICO:
{{resumen_academico}}

ÁREAS DE FORTALEZA:
{{fortalezas}}

ÁREAS DE MEJORA:
{{mejoras}}

RECOMENDACIONES:
{{recomendaciones}}

Observaciones adicionales:
{{observaciones}}

Profesor(a): {{profesor}}`,
		},
		{
			Name:        ComunicadoApoderados,
			Description: "Notice to parents and guardians",
			Required:    []string{"contenido", "fecha"},
			Content: `COMUNICADO A APODERADOS
COLEGIO SAN IGNACIO DIGITAL

Estimados Apoderados:

{{contenido}}

Fecha: {{fecha}}
Horario: {{horario}}
Lugar: {{lugar}}

Informaciones adicionales:
{{informaciones_adicionales}}

Atentamente,
{{remitente}}
Colegio San Ignacio Digital`,
		},
		{
			Name:        ActaReunion,
			Description: "Meeting minutes",
			Required:    []string{"fecha", "tipo_reunion", "asistentes", "agenda"},
			Content: `ACTA DE REUNIÓN
COLEGIO SAN IGNACIO DIGITAL

Fecha: {{fecha}}
Hora: {{hora}}
Lugar: {{lugar}}
Tipo de reunión: {{tipo_reunion}}

ASISTENTES:
{{asistentes}}

AGENDA:
{{agenda}}

DESARROLLO:
{{desarrollo}}

ACUERDOS:
{{acuerdos}}

PRÓXIMA REUNIÓN:
{{proxima_reunion}}

Secretario(a): {{secretario}}`,
		},
	}
}

// Source is a retrieved document passed to the synthesis prompt.
type Source struct {
	FileName string
	Text     string
}

// FormatSources renders sources as "[Fuente i: file]" blocks.
func FormatSources(sources []Source) string {
	var b strings.Builder
	for i, s := range sources {
		name := s.FileName
		if name == "" {
			name = "Documento"
		}
		fmt.Fprintf(&b, "[Fuente %d: %s]\n%s\n\n", i+1, name, s.Text)
	}
	return b.String()
}

// NumberedList renders "1. a\n2. b".
func NumberedList(items []string) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = fmt.Sprintf("%d. %s", i+1, it)
	}
	return strings.Join(lines, "\n")
}

// DashList renders "- a\n- b".
func DashList(items []string) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = "- " + it
	}
	return strings.Join(lines, "\n")
}

// ResultsList renders numbered result blocks separated by blank lines.
func ResultsList(results []string) string {
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = fmt.Sprintf("Resultado %d:\n%s", i+1, r)
	}
	return strings.Join(blocks, "\n\n")
}
