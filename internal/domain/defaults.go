package domain

// DefaultCategories returns the built-in institutional category table.
func DefaultCategories() []Category {
	return []Category{
		{Name: "academic", Keywords: []string{"course", "program", "degree", "major", "minor", "curriculum", "syllabus", "academic", "study"}},
		{Name: "administrative", Keywords: []string{"admission", "enrollment", "registration", "application", "deadline", "procedure", "process"}},
		{Name: "financial", Keywords: []string{"fee", "tuition", "payment", "cost", "scholarship", "financial aid", "budget", "expense"}},
		{Name: "campus", Keywords: []string{"facility", "building", "campus", "library", "lab", "classroom", "dormitory", "housing"}},
		{Name: "student_life", Keywords: []string{"student", "life", "activity", "club", "organization", "event", "campus life"}},
		{Name: "services", Keywords: []string{"service", "support", "help", "assistance", "guidance", "counseling", "advising"}},
	}
}

// DefaultGenericTerms returns terms that mark a query as institutional without
// selecting a category.
func DefaultGenericTerms() []string {
	return []string{"university", "college", "student", "professor", "lecturer", "campus", "academic"}
}
