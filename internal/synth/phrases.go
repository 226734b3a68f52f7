package synth

var baseResponses = []string{
	"Hello! How can I assist you today?",
	"I'm here to help you with any questions you might have.",
	"That's an interesting question. Let me think about it.",
	"I understand what you're asking. Here's my response:",
	"Thank you for your question. I'd be happy to help.",
	"Based on the information provided, I can offer the following insights:",
	"Let me provide you with a comprehensive answer to your query.",
	"I appreciate you reaching out. Here's what I can tell you:",
}

var connectors = []string{
	"Additionally, I want to mention that",
	"Furthermore, it's important to note that",
	"Moreover, we should consider that",
	"In fact, this reminds me that",
	"It's worth noting that",
	"Please also consider that",
	"Also, I should add that",
	"On a related note,",
	"To elaborate further,",
	"In this context,",
}

var elaborations = []string{
	"this is a very interesting topic that deserves careful consideration",
	"there are many aspects to explore in this particular area of discussion",
	"we can approach this from multiple different perspectives and viewpoints",
	"the implications of this are quite significant and far-reaching in nature",
	"this subject matter has various nuances that are worth examining closely",
	"there are several factors that contribute to the overall understanding here",
	"the complexity of this issue requires thorough analysis and careful thought",
}

// filler is appended when the last fragment cannot be cut at a token boundary.
const filler = " more"
